// Package durable defines the persistent store that cache contents
// are loaded from and saved to.
//
// A durable store holds one row per file,
// identified by the same key the cache uses.
// Bodies are read and written whole, each in a single transaction,
// so a reader never sees a partially written body.
package durable

import (
	"context"
	"io"

	"github.com/pkg/errors"

	"github.com/bobg/fstream"
)

// ErrNotFound is the error when no row has the requested id.
var ErrNotFound = errors.New("file not found")

// Row describes one file in a durable store.
type Row struct {
	ID   fstream.Key
	Name string
	Size int64
}

// Store is a durable file store.
type Store interface {
	// Create adds a row with an empty body.
	// Creating an id that already exists has no effect.
	Create(ctx context.Context, id fstream.Key, name string) error

	// ReadBody calls f with a reader over the body of the file with the given id.
	// The reader is valid only during the call.
	ReadBody(ctx context.Context, id fstream.Key, f func(io.Reader) error) error

	// WriteBody replaces the body of the file with the given id.
	// The row must already exist.
	WriteBody(ctx context.Context, id fstream.Key, r io.Reader) error

	// List calls f for each row, in id order.
	List(ctx context.Context, f func(Row) error) error
}
