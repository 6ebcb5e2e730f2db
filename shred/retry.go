package shred

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Defaults for NewRetrier.
const (
	DefaultAttempts = 5
	DefaultDelay    = 5 * time.Second
)

// Retrier runs best-effort operations,
// retrying failures after a fixed delay
// up to a fixed number of attempts.
// Retries run on a single worker goroutine.
// Failures are logged, never returned past the first attempt.
type Retrier struct {
	attempts int
	delay    time.Duration
	logger   *zap.Logger

	// OnGiveUp, if set, is called when an operation has exhausted its attempts.
	// It must be set before the first call to Do.
	OnGiveUp func(desc string, err error)

	mu     sync.Mutex // protects closed and sends on queue
	closed bool
	queue  chan *job
	wg     sync.WaitGroup // counts pending jobs
	done   chan struct{}
}

type job struct {
	desc    string
	f       func() error
	attempt int
	due     time.Time
	err     error
}

// NewRetrier produces a Retrier and starts its worker.
// Non-positive arguments select the defaults.
// Call Close to stop the worker.
func NewRetrier(attempts int, delay time.Duration, logger *zap.Logger) *Retrier {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	if delay <= 0 {
		delay = DefaultDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Retrier{
		attempts: attempts,
		delay:    delay,
		logger:   logger,
		queue:    make(chan *job, 64),
		done:     make(chan struct{}),
	}
	go r.run()
	return r
}

// Do calls f.
// If f fails and attempts remain,
// Do schedules a retry and returns f's error.
// Desc describes the operation in log messages.
func (r *Retrier) Do(desc string, f func() error) error {
	err := f()
	if err == nil {
		return nil
	}
	j := &job{desc: desc, f: f, attempt: 1, err: err}
	if r.attempts <= 1 {
		r.giveUp(j)
		return err
	}

	r.logger.Warn("operation failed, will retry",
		zap.String("op", desc),
		zap.Int("attempt", 1),
		zap.Duration("delay", r.delay),
		zap.Error(err))

	j.due = time.Now().Add(r.delay)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		r.giveUp(j)
		return err
	}
	r.wg.Add(1)
	r.queue <- j
	return err
}

// Wait blocks until no retries are pending.
func (r *Retrier) Wait() {
	r.wg.Wait()
}

// Close stops the worker.
// Pending retries are abandoned.
func (r *Retrier) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	<-r.done
}

func (r *Retrier) run() {
	defer close(r.done)

	var pending []*job
	for {
		var (
			timer *time.Timer
			due   <-chan time.Time
		)
		if len(pending) > 0 {
			next := pending[0].due
			for _, j := range pending[1:] {
				if j.due.Before(next) {
					next = j.due
				}
			}
			timer = time.NewTimer(time.Until(next))
			due = timer.C
		}

		select {
		case j, ok := <-r.queue:
			if timer != nil {
				timer.Stop()
			}
			if !ok {
				for _, j := range pending {
					r.giveUp(j)
					r.wg.Done()
				}
				return
			}
			pending = append(pending, j)

		case now := <-due:
			pending = r.runDue(pending, now)
		}
	}
}

func (r *Retrier) runDue(pending []*job, now time.Time) []*job {
	var remaining []*job
	for _, j := range pending {
		if j.due.After(now) {
			remaining = append(remaining, j)
			continue
		}
		j.attempt++
		j.err = j.f()
		switch {
		case j.err == nil:
			r.logger.Info("operation succeeded on retry",
				zap.String("op", j.desc),
				zap.Int("attempt", j.attempt))
			r.wg.Done()

		case j.attempt >= r.attempts:
			r.giveUp(j)
			r.wg.Done()

		default:
			r.logger.Warn("operation failed, will retry",
				zap.String("op", j.desc),
				zap.Int("attempt", j.attempt),
				zap.Error(j.err))
			j.due = time.Now().Add(r.delay)
			remaining = append(remaining, j)
		}
	}
	return remaining
}

func (r *Retrier) giveUp(j *job) {
	r.logger.Error("giving up",
		zap.String("op", j.desc),
		zap.Int("attempts", j.attempt),
		zap.Error(j.err))
	if r.OnGiveUp != nil {
		r.OnGiveUp(j.desc, j.err)
	}
}
