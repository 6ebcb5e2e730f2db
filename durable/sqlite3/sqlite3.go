// Package sqlite3 implements a durable store on Sqlite.
package sqlite3

import (
	"bytes"
	"context"
	"database/sql"
	stderrs "errors"
	"io"

	"github.com/bobg/sqlutil"
	_ "github.com/mattn/go-sqlite3" // register the sqlite3 type for sql.Open
	"github.com/pkg/errors"

	"github.com/bobg/fstream"
	"github.com/bobg/fstream/durable"
)

var _ durable.Store = &Store{}

// Store is a Sqlite-based durable store.
// Bodies live in a BLOB column,
// so each one is held in memory while it is read or written.
type Store struct {
	db *sql.DB
}

// Schema is the SQL that New executes.
// It creates the `files` table if it does not exist.
// (If it does exist, it must have the columns and constraints described here.)
const Schema = `
CREATE TABLE IF NOT EXISTS files (
  id TEXT PRIMARY KEY NOT NULL,
  name TEXT NOT NULL,
  body BLOB NOT NULL DEFAULT x''
);
`

// New produces a new Store using `db` for storage.
// It expects to create the table `files`,
// or for that table already to exist with the correct schema.
// (See constant Schema.)
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	_, err := db.ExecContext(ctx, Schema)
	return &Store{db: db}, errors.Wrap(err, "creating schema")
}

// Create implements durable.Store.
func (s *Store) Create(ctx context.Context, id fstream.Key, name string) error {
	const q = `INSERT INTO files (id, name) VALUES ($1, $2) ON CONFLICT DO NOTHING`

	_, err := s.db.ExecContext(ctx, q, id.String(), name)
	return errors.Wrapf(err, "creating %s", id)
}

// ReadBody implements durable.Store.
func (s *Store) ReadBody(ctx context.Context, id fstream.Key, f func(io.Reader) error) error {
	const q = `SELECT body FROM files WHERE id = $1`

	var body []byte
	err := s.db.QueryRowContext(ctx, q, id.String()).Scan(&body)
	if stderrs.Is(err, sql.ErrNoRows) {
		return errors.Wrapf(durable.ErrNotFound, "reading %s", id)
	}
	if err != nil {
		return errors.Wrapf(err, "reading %s", id)
	}
	return f(bytes.NewReader(body))
}

// WriteBody implements durable.Store.
func (s *Store) WriteBody(ctx context.Context, id fstream.Key, r io.Reader) error {
	const q = `UPDATE files SET body = $1 WHERE id = $2`

	body, err := io.ReadAll(r)
	if err != nil {
		return errors.Wrapf(err, "reading body for %s", id)
	}
	if body == nil {
		body = []byte{}
	}

	res, err := s.db.ExecContext(ctx, q, body, id.String())
	if err != nil {
		return errors.Wrapf(err, "writing %s", id)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "counting affected rows")
	}
	if aff == 0 {
		return errors.Wrapf(durable.ErrNotFound, "writing %s", id)
	}
	return nil
}

// List implements durable.Store.
func (s *Store) List(ctx context.Context, f func(durable.Row) error) error {
	const q = `SELECT id, name, LENGTH(body) FROM files ORDER BY id`

	return sqlutil.ForQueryRows(ctx, s.db, q, func(idstr, name string, size int64) error {
		id, err := fstream.ParseKey(idstr)
		if err != nil {
			return err
		}
		return f(durable.Row{ID: id, Name: name, Size: size})
	})
}

func init() {
	durable.Register("sqlite3", func(ctx context.Context, conf map[string]interface{}) (durable.Store, error) {
		conn, ok := conf["conn"].(string)
		if !ok {
			return nil, errors.New(`missing "conn" parameter`)
		}
		db, err := sql.Open("sqlite3", conn)
		if err != nil {
			return nil, errors.Wrap(err, "opening db")
		}
		return New(ctx, db)
	})
}
