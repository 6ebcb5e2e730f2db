// Package transfer copies files between a durable store and a cache.
package transfer

import (
	"context"
	"crypto/sha256"
	"hash"
	"io"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
	"github.com/klauspost/compress/flate"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bobg/fstream"
	"github.com/bobg/fstream/durable"
)

// Transfer moves file bodies between a durable store and a cache.
// It remembers the ids it has recently seen complete in the cache
// so repeated uploads need no round trip.
type Transfer struct {
	store  durable.Store
	cache  fstream.Cache
	recent *lru.Cache // fstream.Key -> fstream.Info
	logger *zap.Logger

	// Compress selects deflate encoding for uploads and downloads.
	Compress bool

	// Progress, if set, receives reports as bodies are copied.
	// Upload progress counts bytes read from the durable store,
	// download progress bytes received from the cache.
	Progress ProgressFunc
}

// New produces a Transfer remembering up to size recently completed ids.
func New(store durable.Store, cache fstream.Cache, size int, logger *zap.Logger) (*Transfer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	recent, err := lru.New(size)
	if err != nil {
		return nil, errors.Wrap(err, "creating lru cache")
	}
	return &Transfer{store: store, cache: cache, recent: recent, logger: logger}, nil
}

// Forget clears the record of recently completed ids.
// Call it after stopping the cache.
func (t *Transfer) Forget() {
	t.recent.Purge()
}

// Upload copies the body of the file with the given id into the cache,
// using the id as the stream key.
// If the cache holds part of an uncompressed stream,
// the upload resumes where it left off.
func (t *Transfer) Upload(ctx context.Context, id fstream.Key) (fstream.Result, error) {
	return t.uploadFile(ctx, id, 0)
}

// uploadFile is Upload with the body size, if known, for progress reports.
func (t *Transfer) uploadFile(ctx context.Context, id fstream.Key, size int64) (fstream.Result, error) {
	logger := t.logger.With(zap.Stringer("id", id))

	if v, ok := t.recent.Get(id); ok {
		return fstream.Result{Status: fstream.StatusExists, Info: v.(fstream.Info)}, nil
	}

	info, found, err := t.cache.HasStream(ctx, fstream.Query{Key: id})
	if err != nil {
		return fstream.Result{}, errors.Wrapf(err, "checking cache for %s", id)
	}
	if found && info.State == fstream.StateReady {
		t.recent.Add(id, info)
		return fstream.Result{Status: fstream.StatusExists, Info: info}, nil
	}

	// A deflate stream cannot be continued from the middle,
	// so compressed uploads always start over.
	var pos int64
	if found && !t.Compress && !info.Encoding.Compressed() {
		pos = info.Position
	}

	result, err := t.upload(ctx, id, pos, size)
	if pos > 0 && errors.Is(err, fstream.ErrBadPosition) {
		logger.Info("restarting upload", zap.Int64("position", pos), zap.Error(err))
		result, err = t.upload(ctx, id, 0, size)
	}
	if err != nil {
		return result, err
	}

	logger.Info("uploaded", zap.Stringer("status", result.Status), zap.Int64("written", result.Written), zap.Int64("resumed_at", pos))
	if result.Status != fstream.StatusPartial {
		t.recent.Add(id, result.Info)
	}
	return result, nil
}

func (t *Transfer) upload(ctx context.Context, id fstream.Key, pos, size int64) (result fstream.Result, err error) {
	err = t.store.ReadBody(ctx, id, func(r io.Reader) error {
		info := fstream.Info{Key: id, Position: pos}

		if pos > 0 {
			if _, err := io.CopyN(io.Discard, r, pos); err != nil {
				return errors.Wrapf(err, "skipping to %d", pos)
			}
		}
		r = NewProgressReader(r, id, pos, size, t.Progress)
		if t.Compress {
			info.Encoding = fstream.EncodingDeflate
			pr := deflate(r)
			defer pr.Close()
			r = pr
		}

		var err error
		result, err = t.cache.PrepareStream(ctx, fstream.NewMessage(info, r))
		return err
	})
	return result, errors.Wrapf(err, "uploading %s", id)
}

// deflate compresses r on the fly.
func deflate(r io.Reader) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		fw, err := flate.NewWriter(pw, flate.DefaultCompression)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err = io.Copy(fw, r); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(fw.Close())
	}()
	return pr
}

// UploadAll uploads every file in the durable store,
// running at most limit uploads at once
// (or any number, if limit is not positive).
// It returns the number of files uploaded in full.
func (t *Transfer) UploadAll(ctx context.Context, limit int) (int, error) {
	var (
		eg, ctx2 = errgroup.WithContext(ctx)
		done     int64
	)
	if limit > 0 {
		eg.SetLimit(limit)
	}

	err := t.store.List(ctx2, func(row durable.Row) error {
		eg.Go(func() error {
			result, err := t.uploadFile(ctx2, row.ID, row.Size)
			if err != nil {
				return err
			}
			if result.Status != fstream.StatusPartial {
				atomic.AddInt64(&done, 1)
			}
			return nil
		})
		return nil
	})
	if err != nil {
		eg.Wait()
		return int(done), errors.Wrap(err, "listing files")
	}

	err = eg.Wait()
	return int(done), err
}

// Download copies a stream from the cache into the durable store,
// creating the file with the given id and name if necessary.
// The body is checked against the hash the cache reports for it
// and is not stored if they differ.
func (t *Transfer) Download(ctx context.Context, id fstream.Key, name string) error {
	q := fstream.Query{Key: id}
	if t.Compress {
		q.AcceptEncoding = fstream.EncodingDeflate
	}
	m, err := t.cache.DownloadStream(ctx, q)
	if err != nil {
		return errors.Wrapf(err, "downloading %s", id)
	}
	defer m.Close()

	if err = t.store.Create(ctx, id, name); err != nil {
		return errors.Wrapf(err, "creating %s", id)
	}

	var (
		body              = NewProgressReader(m.Body, id, 0, m.Length, t.Progress)
		checker           = &checkingReader{r: body, h: sha256.New(), want: m.Hash}
		r       io.Reader = checker
	)
	if m.Encoding.Compressed() {
		fr := flate.NewReader(checker)
		defer fr.Close()
		r = &inflateReader{fr: fr, raw: checker}
	}

	if err = t.store.WriteBody(ctx, id, r); err != nil {
		return errors.Wrapf(err, "storing %s", id)
	}
	t.logger.Info("downloaded", zap.Stringer("id", id), zap.Int64("length", m.Length), zap.Bool("compressed", m.Encoding.Compressed()))
	return nil
}

// checkingReader hashes what it reads
// and, at EOF, fails if the hash is not the expected one.
type checkingReader struct {
	r    io.Reader
	h    hash.Hash
	want fstream.Hash
}

func (c *checkingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.h.Write(p[:n])
	if err == io.EOF && !c.want.IsZero() {
		var got fstream.Hash
		copy(got[:], c.h.Sum(nil))
		if got != c.want {
			return n, errors.Wrapf(fstream.ErrHashMismatch, "got %s, want %s", got, c.want)
		}
	}
	return n, err
}

// inflateReader reads decompressed bytes
// and, at their end, drains the raw stream so its hash gets checked.
type inflateReader struct {
	fr  io.Reader
	raw io.Reader
}

func (r *inflateReader) Read(p []byte) (int, error) {
	n, err := r.fr.Read(p)
	if err == io.EOF {
		if _, derr := io.Copy(io.Discard, r.raw); derr != nil {
			return n, derr
		}
	}
	return n, err
}
