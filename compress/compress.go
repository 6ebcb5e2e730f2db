// Package compress converts streams to and from deflate-compressed files,
// hashing them along the way.
package compress

import (
	"crypto/sha256"
	"io"
	"os"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/bobg/fstream"
)

// BufferSize is the copy buffer size used for compression and hashing.
const BufferSize = 80 * 1024

// TempFiler creates files for ephemeral content.
// The blob.Store type implements it.
type TempFiler interface {
	TempFile(pattern string) (*os.File, error)
}

// Compressor writes and reads deflate streams.
type Compressor struct {
	t      TempFiler
	level  int
	logger *zap.Logger
}

// New produces a Compressor that creates its output files with t.
// Level is a flate compression level;
// out-of-range values select flate.DefaultCompression.
func New(t TempFiler, level int, logger *zap.Logger) *Compressor {
	if level < flate.HuffmanOnly || level > flate.BestCompression {
		level = flate.DefaultCompression
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compressor{t: t, level: level, logger: logger}
}

// Compress writes a deflate-compressed copy of src to a new temporary file.
// It returns the file's path and size
// and the hash of the compressed bytes.
func (c *Compressor) Compress(src io.Reader) (path string, n int64, h fstream.Hash, err error) {
	start := time.Now()

	f, err := c.t.TempFile("compress-*")
	if err != nil {
		return "", 0, h, err
	}
	path = f.Name()
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(path)
		}
	}()

	var (
		hasher = sha256.New()
		cw     = &countingWriter{w: io.MultiWriter(f, hasher)}
	)
	fw, err := flate.NewWriter(cw, c.level)
	if err != nil {
		return "", 0, h, errors.Wrap(err, "creating deflate writer")
	}
	if _, err = io.CopyBuffer(fw, src, make([]byte, BufferSize)); err != nil {
		return "", 0, h, errors.Wrap(err, "compressing")
	}
	if err = fw.Close(); err != nil {
		return "", 0, h, errors.Wrap(err, "flushing deflate writer")
	}
	if err = f.Close(); err != nil {
		return "", 0, h, errors.Wrapf(err, "closing %s", path)
	}

	copy(h[:], hasher.Sum(nil))

	c.logger.Debug("compressed stream",
		zap.String("path", path),
		zap.Int64("bytes", cw.n),
		zap.Duration("duration", time.Since(start)))

	return path, cw.n, h, nil
}

// Decompress inflates src into a new file at destPath.
// It returns the length and hash of the inflated bytes.
//
// If src is malformed,
// Decompress removes destPath and,
// when srcPath is not empty,
// the file at srcPath,
// and returns fstream.ErrCorruptStream.
func (c *Compressor) Decompress(src io.Reader, srcPath, destPath string) (int64, fstream.Hash, error) {
	start := time.Now()

	var h fstream.Hash

	out, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return 0, h, errors.Wrapf(err, "creating %s", destPath)
	}

	var (
		hasher = sha256.New()
		fr     = flate.NewReader(src)
	)
	n, err := io.CopyBuffer(io.MultiWriter(out, hasher), fr, make([]byte, BufferSize))
	fr.Close()
	if cerr := out.Close(); err == nil && cerr != nil {
		err = errors.Wrapf(cerr, "closing %s", destPath)
	}

	if isCorrupt(err) {
		c.logger.Error("corrupt compressed stream",
			zap.String("source", srcPath),
			zap.String("dest", destPath),
			zap.Error(err))
		os.Remove(destPath)
		if srcPath != "" {
			os.Remove(srcPath)
		}
		return 0, h, errors.Wrapf(fstream.ErrCorruptStream, "inflating into %s: %s", destPath, err)
	}
	if err != nil {
		os.Remove(destPath)
		return 0, h, errors.Wrapf(err, "inflating into %s", destPath)
	}

	copy(h[:], hasher.Sum(nil))

	c.logger.Debug("decompressed stream",
		zap.String("path", destPath),
		zap.Int64("bytes", n),
		zap.Duration("duration", time.Since(start)))

	return n, h, nil
}

func isCorrupt(err error) bool {
	var cerr flate.CorruptInputError
	return errors.As(err, &cerr) || errors.Is(err, io.ErrUnexpectedEOF)
}

// HashReader hashes everything remaining in r.
func HashReader(r io.Reader) (fstream.Hash, int64, error) {
	var h fstream.Hash
	hasher := sha256.New()
	n, err := io.CopyBuffer(hasher, r, make([]byte, BufferSize))
	if err != nil {
		return h, n, errors.Wrap(err, "hashing")
	}
	copy(h[:], hasher.Sum(nil))
	return h, n, nil
}

// HashFile hashes the contents of the file at path.
func HashFile(path string) (fstream.Hash, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return fstream.ZeroHash, 0, errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()
	return HashReader(f)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
