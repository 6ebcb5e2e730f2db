// Package logging implements a durable store that delegates everything to a nested store,
// logging operations as they happen.
package logging

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/bobg/fstream"
	"github.com/bobg/fstream/durable"
)

var _ durable.Store = &Store{}

type Store struct {
	s      durable.Store
	logger *zap.Logger
}

func New(s durable.Store, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{s: s, logger: logger}
}

func (s *Store) Create(ctx context.Context, id fstream.Key, name string) error {
	err := s.s.Create(ctx, id, name)
	if err != nil {
		s.logger.Error("Create", zap.Stringer("id", id), zap.String("name", name), zap.Error(err))
	} else {
		s.logger.Info("Create", zap.Stringer("id", id), zap.String("name", name))
	}
	return err
}

func (s *Store) ReadBody(ctx context.Context, id fstream.Key, f func(io.Reader) error) error {
	var (
		start = time.Now()
		n     int64
	)
	err := s.s.ReadBody(ctx, id, func(r io.Reader) error {
		cr := &countingReader{r: r}
		err := f(cr)
		n = cr.n
		return err
	})
	if err != nil {
		s.logger.Error("ReadBody", zap.Stringer("id", id), zap.Int64("bytes", n), zap.Error(err))
	} else {
		s.logger.Info("ReadBody", zap.Stringer("id", id), zap.Int64("bytes", n), zap.Duration("duration", time.Since(start)))
	}
	return err
}

func (s *Store) WriteBody(ctx context.Context, id fstream.Key, r io.Reader) error {
	var (
		start = time.Now()
		cr    = &countingReader{r: r}
	)
	err := s.s.WriteBody(ctx, id, cr)
	if err != nil {
		s.logger.Error("WriteBody", zap.Stringer("id", id), zap.Int64("bytes", cr.n), zap.Error(err))
	} else {
		s.logger.Info("WriteBody", zap.Stringer("id", id), zap.Int64("bytes", cr.n), zap.Duration("duration", time.Since(start)))
	}
	return err
}

func (s *Store) List(ctx context.Context, f func(durable.Row) error) error {
	s.logger.Info("List")
	return s.s.List(ctx, func(row durable.Row) error {
		err := f(row)
		if err != nil {
			s.logger.Error("  List", zap.Stringer("id", row.ID), zap.Error(err))
		} else {
			s.logger.Debug("  List", zap.Stringer("id", row.ID), zap.String("name", row.Name), zap.Int64("size", row.Size))
		}
		return err
	})
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func init() {
	durable.Register("logging", func(ctx context.Context, conf map[string]interface{}) (durable.Store, error) {
		nested, ok := conf["nested"].(map[string]interface{})
		if !ok {
			return nil, errors.New(`missing "nested" parameter`)
		}
		nestedType, ok := nested["type"].(string)
		if !ok {
			return nil, errors.New(`"nested" parameter missing "type"`)
		}
		nestedStore, err := durable.Create(ctx, nestedType, nested)
		if err != nil {
			return nil, errors.Wrap(err, "creating nested store")
		}
		logger, _ := conf["logger"].(*zap.Logger)
		return New(nestedStore, logger), nil
	})
}
