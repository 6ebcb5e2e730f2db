// Package shred tracks derivative blob files
// and deletes them when they are no longer needed.
package shred

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bobg/fstream"
)

// Deleter deletes files.
// The blob.Store type implements it.
type Deleter interface {
	Delete(path string) error
}

// Shredder holds the derivative files
// (such as compressed copies made for a single read)
// that are not part of the primary index.
type Shredder struct {
	d      Deleter
	r      *Retrier
	logger *zap.Logger

	mu    sync.Mutex // protects items
	items map[fstream.Key]*fstream.Item
}

// New produces a Shredder deleting files with d.
// Failed deletions are retried with r.
func New(d Deleter, r *Retrier, logger *zap.Logger) *Shredder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Shredder{
		d:      d,
		r:      r,
		logger: logger,
		items:  make(map[fstream.Key]*fstream.Item),
	}
}

// Register adds item to the set of files to delete.
// Registering a key twice has no effect.
func (s *Shredder) Register(item *fstream.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[item.Key]; ok {
		return
	}
	item.AccessedAt = time.Now()
	s.items[item.Key] = item
}

// Release deletes the file registered under key, if any.
func (s *Shredder) Release(key fstream.Key) {
	s.mu.Lock()
	item, ok := s.items[key]
	delete(s.items, key)
	s.mu.Unlock()

	if ok {
		s.shred(item)
	}
}

// DeleteAll deletes every registered file.
func (s *Shredder) DeleteAll() {
	s.mu.Lock()
	items := s.items
	s.items = make(map[fstream.Key]*fstream.Item)
	s.mu.Unlock()

	for _, item := range items {
		s.shred(item)
	}
}

// Sweep deletes registered files created more than maxAge ago.
// It returns the number of files it tried to delete.
func (s *Shredder) Sweep(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	var old []*fstream.Item
	s.mu.Lock()
	for key, item := range s.items {
		if item.CreatedAt.Before(cutoff) {
			old = append(old, item)
			delete(s.items, key)
		}
	}
	s.mu.Unlock()

	for _, item := range old {
		s.shred(item)
	}
	return len(old)
}

// Len is the number of registered files.
func (s *Shredder) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *Shredder) shred(item *fstream.Item) {
	path := item.Path
	err := s.r.Do("delete "+path, func() error {
		return s.d.Delete(path)
	})
	if err == nil {
		s.logger.Debug("shredded file", zap.Stringer("key", item.Key), zap.String("path", path))
	}
}
