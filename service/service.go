// Package service implements the streaming cache.
//
// Uploads are written to a ".part" file next to their final location
// and renamed into place only once complete and hashed,
// so a reader never sees a partial blob.
// An interrupted upload leaves its ".part" file behind;
// HasStream reports how many bytes it holds
// and a later PrepareStream may resume from there.
package service

import (
	"bytes"
	"context"
	"io"
	"os"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/bobg/fstream"
	"github.com/bobg/fstream/blob"
	"github.com/bobg/fstream/compress"
	"github.com/bobg/fstream/index"
	"github.com/bobg/fstream/shred"
)

var _ fstream.Cache = &Service{}

// CopyBufferSize is the buffer size for copying upload bodies.
const CopyBufferSize = 80 * 1024

// Options configures a Service.
// The zero value is usable.
type Options struct {
	// CompressionLevel is the flate level for compressed downloads.
	// Zero selects flate.DefaultCompression.
	CompressionLevel int

	// RetryAttempts and RetryDelay govern file deletion.
	// Zero values select shred.DefaultAttempts and shred.DefaultDelay.
	RetryAttempts int
	RetryDelay    time.Duration

	// SweepInterval, if positive, makes the service periodically delete
	// compressed copies made for downloads that are older than SweepMaxAge
	// (default: SweepInterval).
	SweepInterval time.Duration
	SweepMaxAge   time.Duration

	Logger     *zap.Logger
	Registerer prometheus.Registerer
}

// Service is a streaming blob cache backed by a directory.
type Service struct {
	blobs    *blob.Store
	comp     *compress.Compressor
	index    *index.Index
	shredder *shred.Shredder
	retrier  *shred.Retrier
	logger   *zap.Logger
	metrics  *metrics

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// New produces a Service storing its files beneath root.
// Call Close when done.
func New(root string, opts *Options) (*Service, error) {
	if opts == nil {
		opts = &Options{}
	}
	level := opts.CompressionLevel
	if level == 0 {
		level = flate.DefaultCompression
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	blobs, err := blob.New(root)
	if err != nil {
		return nil, errors.Wrap(err, "opening blob store")
	}

	s := &Service{
		blobs:   blobs,
		comp:    compress.New(blobs, level, logger.Named("compress")),
		index:   index.New(),
		retrier: shred.NewRetrier(opts.RetryAttempts, opts.RetryDelay, logger.Named("retry")),
		logger:  logger,
		metrics: newMetrics(opts.Registerer),
	}
	s.retrier.OnGiveUp = func(string, error) {
		s.metrics.shredFailures.Inc()
	}
	s.shredder = shred.New(blobs, s.retrier, logger.Named("shred"))

	if opts.SweepInterval > 0 {
		maxAge := opts.SweepMaxAge
		if maxAge <= 0 {
			maxAge = opts.SweepInterval
		}
		s.stopSweep = make(chan struct{})
		s.sweepDone = make(chan struct{})
		go s.sweep(opts.SweepInterval, maxAge)
	}

	return s, nil
}

func (s *Service) sweep(interval, maxAge time.Duration) {
	defer close(s.sweepDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopSweep:
			return
		case <-ticker.C:
			if n := s.shredder.Sweep(maxAge); n > 0 {
				s.logger.Info("swept compressed copies", zap.Int("count", n))
			}
		}
	}
}

// Close stops background work,
// waits for pending file deletions,
// and releases the blob directory.
// It does not delete stored streams; see Stop.
func (s *Service) Close() error {
	if s.stopSweep != nil {
		close(s.stopSweep)
		<-s.sweepDone
	}
	s.retrier.Wait()
	s.retrier.Close()
	return s.blobs.Close()
}

// HasStream implements fstream.Cache.
// The Position of a found stream is the number of bytes on disk,
// which for an interrupted upload is where it may resume.
func (s *Service) HasStream(_ context.Context, q fstream.Query) (fstream.Info, bool, error) {
	item, ok := s.index.Find(q.Key, q.Hash)
	if !ok {
		return fstream.Info{Key: q.Key}, false, nil
	}
	info, err := s.info(item)
	return info, true, err
}

func (s *Service) info(item fstream.Item) (fstream.Info, error) {
	info := fstream.Info{
		Key:      item.Key,
		Hash:     item.ContentHash,
		Length:   item.Length,
		Encoding: item.Encoding,
		State:    fstream.StatePreparing,
	}
	path := s.blobs.PartPath(item.Key)
	if item.Downloaded {
		info.State = fstream.StateReady
		path = item.Path
	}
	pos, err := s.blobs.Size(path)
	if err != nil {
		return info, err
	}
	info.Position = pos
	return info, nil
}

// PrepareStream implements fstream.Cache.
//
// If the key or the declared hash matches a complete stream,
// no bytes are read and the result has status StatusExists.
// If the body fails mid-copy,
// the bytes received so far are kept,
// the result has status StatusPartial,
// and the error is a *fstream.TransferError.
// A declared length that was not reached also yields StatusPartial,
// with no error.
func (s *Service) PrepareStream(ctx context.Context, m fstream.Message) (fstream.Result, error) {
	logger := s.logger.With(zap.Stringer("key", m.Key))

	if result, ok := s.existing(m); ok {
		return result, nil
	}

	if !s.index.Claim(m.Key) {
		return fstream.Result{}, errors.Wrapf(fstream.ErrBusy, "preparing %s", m.Key)
	}
	defer s.index.Release(m.Key)

	// Another upload may have completed between the check and the claim.
	if result, ok := s.existing(m); ok {
		return result, nil
	}

	enc := fstream.ParseEncoding(string(m.Encoding))

	item, ok := s.index.Lookup(m.Key)
	if !ok || m.Position == 0 {
		now := time.Now()
		item = fstream.Item{
			Key:         m.Key,
			ContentHash: m.Hash,
			Length:      m.Length,
			Path:        s.blobs.BlobPath(m.Key),
			Encoding:    enc,
			CreatedAt:   now,
			AccessedAt:  now,
		}
		s.index.Remove(m.Key)
		s.index.Insert(m.Key, &item)
	} else if item.Encoding != enc {
		return fstream.Result{}, errors.Wrapf(fstream.ErrBadPosition, "resuming %s with encoding %q, started with %q", m.Key, enc, item.Encoding)
	}

	part := s.blobs.PartPath(m.Key)
	n, onDisk, err := s.copyBody(ctx, m, part)
	s.metrics.received.Add(float64(n))
	if err != nil {
		var te *fstream.TransferError
		if errors.As(err, &te) {
			logger.Warn("copy failed",
				zap.String("category", string(te.Category)),
				zap.Int64("received", onDisk),
				zap.Int64("declared", m.Length),
				zap.Error(te.Err))
			s.metrics.prepared.WithLabelValues(fstream.StatusPartial.String()).Inc()
			info, _ := s.info(item)
			return fstream.Result{Status: fstream.StatusPartial, Written: n, Info: info}, err
		}
		return fstream.Result{}, err
	}

	logger.Info("copied stream", zap.Int64("received", onDisk), zap.Int64("declared", m.Length))

	if m.Length > 0 && onDisk < m.Length {
		s.metrics.prepared.WithLabelValues(fstream.StatusPartial.String()).Inc()
		info, err := s.info(item)
		return fstream.Result{Status: fstream.StatusPartial, Written: n, Info: info}, err
	}
	if m.Length > 0 && onDisk > m.Length {
		s.discard(item)
		return fstream.Result{}, errors.Wrapf(fstream.ErrCorruptStream, "received %d bytes for %s, declared %d", onDisk, m.Key, m.Length)
	}

	return s.finish(m, item, n)
}

// existing reports whether m names a complete stream,
// registering m.Key as an alias when it matched by hash.
func (s *Service) existing(m fstream.Message) (fstream.Result, bool) {
	item, ok := s.index.Find(m.Key, m.Hash)
	if !ok || !item.Downloaded {
		return fstream.Result{}, false
	}
	if item.Key != m.Key && s.index.Alias(m.Key, item.Key) {
		s.metrics.dedupHits.Inc()
		s.logger.Info("deduplicated stream", zap.Stringer("key", m.Key), zap.Stringer("existing", item.Key))
	}
	s.metrics.prepared.WithLabelValues(fstream.StatusExists.String()).Inc()
	info, err := s.info(item)
	if err != nil {
		s.logger.Warn("examining existing stream", zap.Stringer("key", item.Key), zap.Error(err))
	}
	return fstream.Result{Status: fstream.StatusExists, Info: info}, true
}

// copyBody writes m.Body into the file at part, starting at m.Position.
// It returns the bytes copied and the resulting file size.
func (s *Service) copyBody(ctx context.Context, m fstream.Message, part string) (n, onDisk int64, err error) {
	have, err := s.blobs.Size(part)
	if err != nil {
		return 0, 0, err
	}
	if m.Position < 0 || m.Position > have {
		return 0, have, errors.Wrapf(fstream.ErrBadPosition, "writing %s at %d, have %d bytes", m.Key, m.Position, have)
	}
	var body io.Reader = m.Body
	if body == nil {
		body = bytes.NewReader(nil)
	}

	f, err := s.blobs.OpenForWrite(part, m.Position)
	if err != nil {
		return 0, have, err
	}
	if err = f.Truncate(m.Position); err != nil {
		f.Close()
		return 0, have, errors.Wrapf(err, "truncating %s", part)
	}

	n, copyErr := io.CopyBuffer(f, &ctxReader{ctx: ctx, r: body}, make([]byte, CopyBufferSize))
	closeErr := f.Close()
	onDisk = m.Position + n

	switch {
	case copyErr != nil:
		return n, onDisk, fstream.Classify(copyErr)
	case closeErr != nil:
		return n, onDisk, fstream.NewTransferError(fstream.CategoryIO, closeErr)
	}
	return n, onDisk, nil
}

// finish turns a fully received part file into a published blob.
func (s *Service) finish(m fstream.Message, item fstream.Item, n int64) (fstream.Result, error) {
	var (
		logger = s.logger.With(zap.Stringer("key", m.Key))
		part   = s.blobs.PartPath(m.Key)

		contentHash, compressedHash fstream.Hash
		length                      int64
		err                         error
	)

	if item.Encoding.Compressed() {
		compressedHash, length, contentHash, err = s.inflate(m.Key, part)
		if err != nil {
			s.index.Remove(m.Key)
			return fstream.Result{}, err
		}
	} else {
		contentHash, length, err = compress.HashFile(part)
		if err != nil {
			return fstream.Result{}, err
		}
	}

	if !m.Hash.IsZero() && m.Hash != contentHash && m.Hash != compressedHash {
		logger.Error("hash mismatch", zap.Stringer("declared", m.Hash), zap.Stringer("computed", contentHash))
		s.discard(item)
		return fstream.Result{}, errors.Wrapf(fstream.ErrHashMismatch, "stream %s: declared %s, computed %s", m.Key, m.Hash, contentHash)
	}

	if dup, ok := s.index.LookupByHash(contentHash); ok {
		// Identical content arrived under another key while this one was uploading.
		s.discard(item)
		s.index.Alias(m.Key, dup.Key)
		s.metrics.dedupHits.Inc()
		s.metrics.prepared.WithLabelValues(fstream.StatusComplete.String()).Inc()
		logger.Info("deduplicated stream", zap.Stringer("existing", dup.Key))
		info, err := s.info(dup)
		return fstream.Result{Status: fstream.StatusComplete, Written: n, Info: info}, err
	}

	if err = s.blobs.Commit(part, item.Path); err != nil {
		return fstream.Result{}, err
	}

	s.index.Update(m.Key, func(it *fstream.Item) {
		it.ContentHash = contentHash
		it.CompressedHash = compressedHash
		it.Length = length
		it.Encoding = fstream.EncodingNone
		it.Downloaded = true
		item = *it
	})

	s.metrics.prepared.WithLabelValues(fstream.StatusComplete.String()).Inc()
	logger.Info("added stream", zap.Int64("length", length), zap.Stringer("hash", contentHash))

	info, err := s.info(item)
	return fstream.Result{Status: fstream.StatusComplete, Written: n, Info: info}, err
}

// inflate replaces the compressed bytes in part with their decompressed form.
func (s *Service) inflate(key fstream.Key, part string) (compressedHash fstream.Hash, length int64, contentHash fstream.Hash, err error) {
	cpath := s.blobs.BlobPath(key) + blob.CompressedSuffix
	if err = s.blobs.Commit(part, cpath); err != nil {
		return
	}
	defer s.retrier.Do("delete "+cpath, func() error { return s.blobs.Delete(cpath) })

	if compressedHash, _, err = compress.HashFile(cpath); err != nil {
		return
	}

	src, err := s.blobs.OpenForRead(cpath)
	if err != nil {
		return
	}
	defer src.Close()

	length, contentHash, err = s.comp.Decompress(src, cpath, part)
	return
}

// discard forgets item and deletes its in-progress file.
func (s *Service) discard(item fstream.Item) {
	s.index.Remove(item.Key)
	part := s.blobs.PartPath(item.Key)
	s.retrier.Do("delete "+part, func() error { return s.blobs.Delete(part) })
}

// DownloadStream implements fstream.Cache.
// The Length and Position of the result are both the size
// of the representation being served,
// and its Hash is that representation's hash.
func (s *Service) DownloadStream(_ context.Context, q fstream.Query) (fstream.Message, error) {
	notFound := fstream.Message{Info: fstream.Info{Key: q.Key}}

	item, ok := s.index.Find(q.Key, q.Hash)
	if !ok || !item.Downloaded {
		s.logger.Warn("stream not found", zap.Stringer("key", q.Key), zap.Stringer("hash", q.Hash))
		return notFound, errors.Wrapf(fstream.ErrNotFound, "downloading %s", q.Key)
	}
	s.index.Update(item.Key, func(it *fstream.Item) { it.AccessedAt = time.Now() })

	f, err := s.blobs.OpenForRead(item.Path)
	if err != nil {
		return notFound, err
	}

	var (
		enc       = fstream.EncodingNone
		hash      = item.ContentHash
		ephemeral *fstream.Item
	)

	if q.AcceptEncoding.Compressed() {
		path, n, chash, err := s.comp.Compress(f)
		f.Close()
		if err != nil {
			return notFound, errors.Wrapf(err, "compressing %s", item.Key)
		}
		ephemeral = &fstream.Item{
			Key:            fstream.NewKey(),
			CompressedHash: chash,
			Length:         n,
			Path:           path,
			Encoding:       fstream.EncodingDeflate,
			Downloaded:     true,
			CreatedAt:      time.Now(),
		}
		s.shredder.Register(ephemeral)

		f, err = s.blobs.OpenForRead(path)
		if err != nil {
			s.shredder.Release(ephemeral.Key)
			return notFound, err
		}
		enc = fstream.EncodingDeflate
		hash = chash
	}

	rc := &body{File: f}
	if ephemeral != nil {
		key := ephemeral.Key
		rc.release = func() { s.shredder.Release(key) }
	}

	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		rc.Close()
		return notFound, errors.Wrapf(err, "sizing %s", item.Key)
	}
	if q.FromByte < 0 || q.FromByte > size {
		rc.Close()
		return notFound, errors.Wrapf(fstream.ErrBadPosition, "reading %s from %d, size %d", item.Key, q.FromByte, size)
	}
	if _, err = f.Seek(q.FromByte, io.SeekStart); err != nil {
		rc.Close()
		return notFound, errors.Wrapf(err, "seeking %s to %d", item.Key, q.FromByte)
	}

	s.metrics.downloads.WithLabelValues(encodingLabel(enc)).Inc()

	key := q.Key
	if key.IsZero() {
		key = item.Key
	}
	return fstream.Message{
		Info: fstream.Info{
			Key:      key,
			Hash:     hash,
			Length:   size,
			Position: size,
			Encoding: enc,
			State:    fstream.StateReady,
		},
		Body: rc,
	}, nil
}

// GetStream implements fstream.Cache.
func (s *Service) GetStream(ctx context.Context, key fstream.Key) (io.ReadCloser, error) {
	m, err := s.DownloadStream(ctx, fstream.Query{Key: key})
	return m.Body, err
}

// Stop implements fstream.Cache.
// It deletes every stored stream and every compressed copy,
// retrying deletions that fail,
// and empties the index.
// The service remains usable.
func (s *Service) Stop(_ context.Context) error {
	items := s.index.Clear()
	for _, item := range items {
		for _, path := range []string{
			item.Path,
			s.blobs.PartPath(item.Key),
			s.blobs.BlobPath(item.Key) + blob.CompressedSuffix,
		} {
			path := path
			s.retrier.Do("delete "+path, func() error { return s.blobs.Delete(path) })
		}
	}
	s.shredder.DeleteAll()
	s.logger.Info("stopped", zap.Int("streams", len(items)))
	return nil
}

// body is a download body.
// Closing it releases the file and any compressed copy behind it.
type body struct {
	*os.File
	release func()
	closed  bool
}

func (b *body) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	err := b.File.Close()
	if b.release != nil {
		b.release()
	}
	return err
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
