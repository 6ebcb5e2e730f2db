package fstream

import (
	"context"
	"io"
)

// Cache is a streaming blob cache.
// The service.Service and rpc.Client types implement it.
type Cache interface {
	// HasStream looks for a stream by key or by hash.
	// If none is found it returns Info{Key: q.Key} and false.
	HasStream(ctx context.Context, q Query) (Info, bool, error)

	// PrepareStream stores m.Body under m.Key,
	// starting at byte m.Position.
	// It does not close m.Body.
	PrepareStream(ctx context.Context, m Message) (Result, error)

	// DownloadStream opens a stream by key or by hash,
	// positioned at q.FromByte
	// and compressed if q.AcceptEncoding asks for it.
	// If no stream is found it returns ErrNotFound.
	// The caller must close the body of the returned Message.
	DownloadStream(ctx context.Context, q Query) (Message, error)

	// GetStream opens the canonical bytes of the stream with the given key.
	GetStream(ctx context.Context, key Key) (io.ReadCloser, error)

	// Stop deletes every stored stream.
	Stop(ctx context.Context) error
}

// NewMessage pairs info with a body.
// If r is not an io.ReadCloser it is given a no-op Close method.
func NewMessage(info Info, r io.Reader) Message {
	if r == nil {
		return Message{Info: info}
	}
	rc, ok := r.(io.ReadCloser)
	if !ok {
		rc = io.NopCloser(r)
	}
	return Message{Info: info, Body: rc}
}
