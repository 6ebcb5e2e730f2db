package testutil

import (
	"bytes"
	"context"
	"crypto/sha256"
	"io"
	"testing"

	"github.com/klauspost/compress/flate"
	"github.com/pkg/errors"

	"github.com/bobg/fstream"
)

// Cache exercises an fstream.Cache:
// it uploads data, finds it by key and by hash,
// reads it back plain, compressed, and from an offset,
// and finally stops the cache.
func Cache(ctx context.Context, t *testing.T, c fstream.Cache, data []byte) {
	var (
		key  = fstream.NewKey()
		hash = fstream.Hash(sha256.Sum256(data))
	)

	if _, ok, err := c.HasStream(ctx, fstream.Query{Key: key}); err != nil {
		t.Fatal(err)
	} else if ok {
		t.Fatal("found a stream before uploading it")
	}

	info := fstream.Info{Key: key, Hash: hash, Length: int64(len(data))}
	result, err := c.PrepareStream(ctx, fstream.NewMessage(info, bytes.NewReader(data)))
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != fstream.StatusComplete {
		t.Errorf("got status %s, want %s", result.Status, fstream.StatusComplete)
	}
	if result.Written != int64(len(data)) {
		t.Errorf("got %d bytes written, want %d", result.Written, len(data))
	}

	result, err = c.PrepareStream(ctx, fstream.NewMessage(fstream.Info{Key: fstream.NewKey(), Hash: hash}, bytes.NewReader(data)))
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != fstream.StatusExists {
		t.Errorf("got status %s re-uploading, want %s", result.Status, fstream.StatusExists)
	}

	for _, q := range []fstream.Query{{Key: key}, {Hash: hash}} {
		got, ok, err := c.HasStream(ctx, q)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatalf("stream not found with query %+v", q)
		}
		if got.Hash != hash || got.Position != int64(len(data)) || got.State != fstream.StateReady {
			t.Errorf("got %+v", got)
		}
	}

	r, err := c.GetStream(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(r)
	r.Close()
	if err != nil {
		t.Fatal(err)
	}
	compare(t, got, data)

	from := len(data) / 2
	m, err := c.DownloadStream(ctx, fstream.Query{Key: key, FromByte: int64(from)})
	if err != nil {
		t.Fatal(err)
	}
	got, err = io.ReadAll(m.Body)
	m.Close()
	if err != nil {
		t.Fatal(err)
	}
	compare(t, got, data[from:])

	m, err = c.DownloadStream(ctx, fstream.Query{Key: key, AcceptEncoding: fstream.EncodingDeflate})
	if err != nil {
		t.Fatal(err)
	}
	if m.Encoding != fstream.EncodingDeflate {
		t.Errorf("got encoding %q, want %q", m.Encoding, fstream.EncodingDeflate)
	}
	compressed, err := io.ReadAll(m.Body)
	m.Close()
	if err != nil {
		t.Fatal(err)
	}
	if m.Hash != fstream.Hash(sha256.Sum256(compressed)) {
		t.Error("compressed download does not carry its own hash")
	}
	got, err = io.ReadAll(flate.NewReader(bytes.NewReader(compressed)))
	if err != nil {
		t.Fatal(err)
	}
	compare(t, got, data)

	if _, err = c.DownloadStream(ctx, fstream.Query{Key: fstream.NewKey()}); !errors.Is(err, fstream.ErrNotFound) {
		t.Errorf("got error %v for a missing stream, want %v", err, fstream.ErrNotFound)
	}

	if err = c.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := c.HasStream(ctx, fstream.Query{Key: key}); err != nil {
		t.Fatal(err)
	} else if ok {
		t.Error("stream survived Stop")
	}
}
