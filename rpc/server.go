package rpc

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/bobg/fstream"
)

// ServiceName is the full name of the gRPC service.
const ServiceName = "fstream.Streams"

type handler interface {
	hasStream(context.Context, *queryMsg) (*infoMsg, error)
	prepareStream(grpc.ServerStream) error
	downloadStream(*queryMsg, grpc.ServerStream) error
	getStream(*keyMsg, grpc.ServerStream) error
	stop(context.Context) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*handler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "HasStream", Handler: hasStreamHandler},
		{MethodName: "Stop", Handler: stopHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "PrepareStream", Handler: prepareStreamHandler, ClientStreams: true},
		{StreamName: "DownloadStream", Handler: downloadStreamHandler, ServerStreams: true},
		{StreamName: "GetStream", Handler: getStreamHandler, ServerStreams: true},
	},
}

// Stream descriptors, by position in serviceDesc.Streams.
var (
	prepareStreamDesc  = &serviceDesc.Streams[0]
	downloadStreamDesc = &serviceDesc.Streams[1]
	getStreamDesc      = &serviceDesc.Streams[2]
)

func method(name string) string {
	return "/" + ServiceName + "/" + name
}

func hasStreamHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(queryMsg)
	if err := dec(in); err != nil {
		return nil, err
	}
	h := srv.(handler)
	if interceptor == nil {
		return h.hasStream(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method("HasStream")}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return h.hasStream(ctx, req.(*queryMsg))
	})
}

func stopHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptyMsg)
	if err := dec(in); err != nil {
		return nil, err
	}
	h := srv.(handler)
	call := func(ctx context.Context, _ any) (any, error) {
		return new(emptyMsg), h.stop(ctx)
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method("Stop")}
	return interceptor(ctx, in, info, call)
}

func prepareStreamHandler(srv any, stream grpc.ServerStream) error {
	return srv.(handler).prepareStream(stream)
}

func downloadStreamHandler(srv any, stream grpc.ServerStream) error {
	in := new(queryMsg)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(handler).downloadStream(in, stream)
}

func getStreamHandler(srv any, stream grpc.ServerStream) error {
	in := new(keyMsg)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(handler).getStream(in, stream)
}

var _ handler = &Server{}

// Server exposes a fstream.Cache over gRPC.
type Server struct {
	c      fstream.Cache
	logger *zap.Logger
}

// NewServer produces a Server for the given cache.
func NewServer(c fstream.Cache, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{c: c, logger: logger}
}

// Register adds s to a gRPC server.
func (s *Server) Register(g *grpc.Server) {
	g.RegisterService(&serviceDesc, s)
}

func (s *Server) hasStream(ctx context.Context, in *queryMsg) (*infoMsg, error) {
	info, found, err := s.c.HasStream(ctx, in.q)
	if err != nil {
		s.logger.Warn("HasStream", zap.Stringer("key", in.q.Key), zap.Error(err))
		return nil, toStatus(err)
	}
	return &infoMsg{info: info, found: found}, nil
}

func (s *Server) prepareStream(stream grpc.ServerStream) error {
	var first frameMsg
	if err := stream.RecvMsg(&first); err != nil {
		return err
	}
	if first.header == nil {
		return toStatus(errors.New("first frame has no header"))
	}

	ctx := stream.Context()
	body := &frameReader{recv: stream.RecvMsg, ctx: ctx, buf: first.chunk}

	result, err := s.c.PrepareStream(ctx, fstream.Message{Info: first.header.info, Body: io.NopCloser(body)})

	resp := &resultMsg{result: result}
	if err != nil {
		var te *fstream.TransferError
		if !errors.As(err, &te) || result.Status != fstream.StatusPartial {
			s.logger.Warn("PrepareStream", zap.Stringer("key", first.header.info.Key), zap.Error(err))
			return toStatus(err)
		}
		resp.category, resp.errmsg = te.Category, te.Err.Error()
	}
	return stream.SendMsg(resp)
}

func (s *Server) downloadStream(in *queryMsg, stream grpc.ServerStream) error {
	m, err := s.c.DownloadStream(stream.Context(), in.q)
	if err != nil {
		return toStatus(err)
	}
	defer m.Close()

	return sendBody(stream, m.Info, m.Body)
}

func (s *Server) getStream(in *keyMsg, stream grpc.ServerStream) error {
	body, err := s.c.GetStream(stream.Context(), in.key)
	if err != nil {
		return toStatus(err)
	}
	defer body.Close()

	return sendBody(stream, fstream.Info{Key: in.key}, body)
}

func (s *Server) stop(ctx context.Context) error {
	s.logger.Info("Stop")
	return toStatus(s.c.Stop(ctx))
}

func sendBody(stream grpc.ServerStream, info fstream.Info, body io.Reader) error {
	if err := stream.SendMsg(&frameMsg{header: &infoMsg{info: info, found: true}}); err != nil {
		return err
	}
	buf := make([]byte, ChunkSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if err := stream.SendMsg(&frameMsg{chunk: buf[:n]}); err != nil {
				return err
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return toStatus(errors.Wrap(err, "reading body"))
		}
	}
}

// frameReader presents the chunks of a frame stream as an io.Reader.
// It is used on both sides of a connection.
type frameReader struct {
	recv func(any) error
	ctx  context.Context
	buf  []byte
	err  error
}

func (r *frameReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		var f frameMsg
		if err := r.recv(&f); err != nil {
			r.err = r.recvErr(err)
			continue
		}
		r.buf = f.chunk
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *frameReader) recvErr(err error) error {
	if err == io.EOF {
		return io.EOF
	}
	if ctxErr := r.ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err = fromStatus(err); errors.Is(err, context.Canceled) {
		return err
	}
	return fstream.NewTransferError(fstream.CategoryCommunication, err)
}
