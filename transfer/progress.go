package transfer

import (
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bobg/fstream"
)

// Progress describes how much of a body has been copied.
type Progress struct {
	Key   fstream.Key
	Moved int64 // bytes so far, including any skipped on resume
	Total int64 // 0 if unknown
	Done  bool  // the body reached EOF
}

// ProgressFunc receives progress reports.
// It is called from the goroutine doing the copy,
// so a ProgressFunc shared by concurrent transfers must be safe for concurrent use.
type ProgressFunc func(Progress)

// NewProgressReader reports each read from r to f.
// Counting starts at start.
// A nil f yields r itself.
func NewProgressReader(r io.Reader, key fstream.Key, start, total int64, f ProgressFunc) io.Reader {
	if f == nil {
		return r
	}
	return &progressReader{r: r, f: f, p: Progress{Key: key, Moved: start, Total: total}}
}

type progressReader struct {
	r io.Reader
	f ProgressFunc
	p Progress
}

func (r *progressReader) Read(buf []byte) (int, error) {
	n, err := r.r.Read(buf)
	r.p.Moved += int64(n)
	if err == io.EOF {
		r.p.Done = true
	}
	if n > 0 || r.p.Done {
		r.f(r.p)
	}
	return n, err
}

// LogProgress produces a ProgressFunc that logs at most once per interval,
// and always on completion.
// It is safe for concurrent use.
func LogProgress(logger *zap.Logger, interval time.Duration) ProgressFunc {
	var (
		mu   sync.Mutex
		last time.Time
	)
	return func(p Progress) {
		now := time.Now()
		mu.Lock()
		if !p.Done && now.Sub(last) < interval {
			mu.Unlock()
			return
		}
		last = now
		mu.Unlock()

		logger.Info("progress",
			zap.Stringer("key", p.Key),
			zap.Int64("moved", p.Moved),
			zap.Int64("total", p.Total),
			zap.Bool("done", p.Done))
	}
}
