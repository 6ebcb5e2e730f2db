// Package mem implements an in-memory durable store.
package mem

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/bobg/fstream"
	"github.com/bobg/fstream/durable"
)

var _ durable.Store = &Store{}

// Store is a memory-based implementation of a durable store.
type Store struct {
	mu    sync.Mutex
	files map[fstream.Key]*file
}

type file struct {
	name string
	body []byte
}

// New produces a new Store.
func New() *Store {
	return &Store{files: make(map[fstream.Key]*file)}
}

// Create implements durable.Store.
func (s *Store) Create(_ context.Context, id fstream.Key, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.files[id]; !ok {
		s.files[id] = &file{name: name}
	}
	return nil
}

// ReadBody implements durable.Store.
func (s *Store) ReadBody(_ context.Context, id fstream.Key, f func(io.Reader) error) error {
	s.mu.Lock()
	fl, ok := s.files[id]
	var body []byte
	if ok {
		body = fl.body
	}
	s.mu.Unlock()

	if !ok {
		return errors.Wrapf(durable.ErrNotFound, "reading %s", id)
	}
	return f(bytes.NewReader(body))
}

// WriteBody implements durable.Store.
func (s *Store) WriteBody(_ context.Context, id fstream.Key, r io.Reader) error {
	body, err := io.ReadAll(r)
	if err != nil {
		return errors.Wrapf(err, "reading body for %s", id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fl, ok := s.files[id]
	if !ok {
		return errors.Wrapf(durable.ErrNotFound, "writing %s", id)
	}
	fl.body = body
	return nil
}

// List implements durable.Store.
func (s *Store) List(_ context.Context, f func(durable.Row) error) error {
	s.mu.Lock()
	rows := make([]durable.Row, 0, len(s.files))
	for id, fl := range s.files {
		rows = append(rows, durable.Row{ID: id, Name: fl.name, Size: int64(len(fl.body))})
	}
	s.mu.Unlock()

	sort.Slice(rows, func(i, j int) bool { return rows[i].ID.String() < rows[j].ID.String() })

	for _, row := range rows {
		if err := f(row); err != nil {
			return err
		}
	}
	return nil
}

func init() {
	durable.Register("mem", func(context.Context, map[string]interface{}) (durable.Store, error) {
		return New(), nil
	})
}
