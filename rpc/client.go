package rpc

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/bobg/fstream"
)

var _ fstream.Cache = &Client{}

// Client is a fstream.Cache that talks to a remote Server.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient produces a Client using the given connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Dial connects to the server at addr without transport security.
// The caller should close the returned connection when done with the client.
func Dial(addr string, opts ...grpc.DialOption) (*Client, *grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	cc, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "connecting to %s", addr)
	}
	return NewClient(cc), cc, nil
}

func callOpt() grpc.CallOption {
	return grpc.CallContentSubtype(CodecName)
}

// HasStream implements fstream.Cache.
func (c *Client) HasStream(ctx context.Context, q fstream.Query) (fstream.Info, bool, error) {
	out := new(infoMsg)
	if err := c.cc.Invoke(ctx, method("HasStream"), &queryMsg{q: q}, out, callOpt()); err != nil {
		return fstream.Info{Key: q.Key}, false, fromStatus(err)
	}
	return out.info, out.found, nil
}

// PrepareStream implements fstream.Cache.
//
// If reading m.Body fails,
// the call is canceled so the server keeps what it has received,
// and the result's Position counts the bytes sent,
// which may exceed what the server stored.
func (c *Client) PrepareStream(ctx context.Context, m fstream.Message) (fstream.Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.cc.NewStream(ctx, prepareStreamDesc, method("PrepareStream"), callOpt())
	if err != nil {
		return fstream.Result{}, fromStatus(err)
	}

	sent, readErr, err := sendFrames(stream, m)
	if readErr != nil {
		cancel()
		info := m.Info
		info.Position += sent
		info.State = fstream.StatePreparing
		return fstream.Result{Status: fstream.StatusPartial, Written: sent, Info: info}, fstream.Classify(readErr)
	}
	if err != nil && err != io.EOF {
		return fstream.Result{}, fromStatus(err)
	}

	// After io.EOF from SendMsg the server has finished; its answer is in RecvMsg.
	if err = stream.CloseSend(); err != nil {
		return fstream.Result{}, fromStatus(err)
	}
	var resp resultMsg
	if err = stream.RecvMsg(&resp); err != nil {
		return fstream.Result{}, fromStatus(err)
	}
	if resp.category != "" {
		return resp.result, fstream.NewTransferError(resp.category, errors.New(resp.errmsg))
	}
	return resp.result, nil
}

// sendFrames sends the header of m and then its body.
// It reports a failure reading the body separately from a failure sending.
func sendFrames(stream grpc.ClientStream, m fstream.Message) (sent int64, readErr, sendErr error) {
	if sendErr = stream.SendMsg(&frameMsg{header: &infoMsg{info: m.Info}}); sendErr != nil {
		return 0, nil, sendErr
	}
	if m.Body == nil {
		return 0, nil, nil
	}

	buf := make([]byte, ChunkSize)
	for {
		n, err := m.Body.Read(buf)
		if n > 0 {
			if sendErr = stream.SendMsg(&frameMsg{chunk: buf[:n]}); sendErr != nil {
				return sent, nil, sendErr
			}
			sent += int64(n)
		}
		if err == io.EOF {
			return sent, nil, nil
		}
		if err != nil {
			return sent, err, nil
		}
	}
}

// DownloadStream implements fstream.Cache.
// Closing the body of the result ends the call.
func (c *Client) DownloadStream(ctx context.Context, q fstream.Query) (fstream.Message, error) {
	info, body, err := c.openBody(ctx, downloadStreamDesc, "DownloadStream", &queryMsg{q: q})
	if err != nil {
		return fstream.Message{Info: fstream.Info{Key: q.Key}}, err
	}
	return fstream.Message{Info: info, Body: body}, nil
}

// GetStream implements fstream.Cache.
func (c *Client) GetStream(ctx context.Context, key fstream.Key) (io.ReadCloser, error) {
	_, body, err := c.openBody(ctx, getStreamDesc, "GetStream", &keyMsg{key: key})
	return body, err
}

func (c *Client) openBody(ctx context.Context, desc *grpc.StreamDesc, name string, req message) (fstream.Info, io.ReadCloser, error) {
	ctx, cancel := context.WithCancel(ctx)

	stream, err := c.cc.NewStream(ctx, desc, method(name), callOpt())
	if err != nil {
		cancel()
		return fstream.Info{}, nil, fromStatus(err)
	}
	if err = stream.SendMsg(req); err != nil {
		cancel()
		return fstream.Info{}, nil, fromStatus(err)
	}
	if err = stream.CloseSend(); err != nil {
		cancel()
		return fstream.Info{}, nil, fromStatus(err)
	}

	var first frameMsg
	if err = stream.RecvMsg(&first); err != nil {
		cancel()
		return fstream.Info{}, nil, fromStatus(err)
	}
	var info fstream.Info
	if first.header != nil {
		info = first.header.info
	}

	body := &clientBody{
		frameReader: frameReader{recv: stream.RecvMsg, ctx: ctx, buf: first.chunk},
		cancel:      cancel,
	}
	return info, body, nil
}

type clientBody struct {
	frameReader
	cancel context.CancelFunc
}

func (b *clientBody) Close() error {
	b.cancel()
	return nil
}

// Stop implements fstream.Cache.
func (c *Client) Stop(ctx context.Context) error {
	return fromStatus(c.cc.Invoke(ctx, method("Stop"), new(emptyMsg), new(emptyMsg), callOpt()))
}
