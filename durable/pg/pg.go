// Package pg implements a durable store on Postgresql.
//
// Each body is a Postgresql large object,
// streamed in chunks rather than held in memory.
package pg

import (
	"context"
	"database/sql"
	stderrs "errors"
	"io"

	"github.com/bobg/sqlutil"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/bobg/fstream"
	"github.com/bobg/fstream/durable"
)

var _ durable.Store = &Store{}

// ChunkSize is the size of each large-object read or write.
const ChunkSize = 256 * 1024

// Large-object open modes.
const (
	invWrite = 0x20000
	invRead  = 0x40000
)

// Store is a Postgresql-based durable store.
type Store struct {
	db *sql.DB
}

// Schema is the SQL that New executes.
// It creates the `files` table if it does not exist.
// (If it does exist, it must have the columns and constraints described here.)
const Schema = `
CREATE TABLE IF NOT EXISTS files (
  id UUID PRIMARY KEY NOT NULL,
  name TEXT NOT NULL,
  size BIGINT NOT NULL DEFAULT 0,
  body OID
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
	return s.inTx(ctx, func(tx *sql.Tx) error {
		const q = `SELECT body FROM files WHERE id = $1`

		var oid sql.NullInt64
		err := tx.QueryRowContext(ctx, q, id.String()).Scan(&oid)
		if stderrs.Is(err, sql.ErrNoRows) {
			return errors.Wrapf(durable.ErrNotFound, "reading %s", id)
		}
		if err != nil {
			return errors.Wrapf(err, "reading %s", id)
		}
		if !oid.Valid {
			return f(eofReader{})
		}

		fd, err := loOpen(ctx, tx, oid.Int64, invRead)
		if err != nil {
			return err
		}
		return f(&loReader{ctx: ctx, tx: tx, fd: fd})
	})
}

// WriteBody implements durable.Store.
func (s *Store) WriteBody(ctx context.Context, id fstream.Key, r io.Reader) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		const q = `SELECT body FROM files WHERE id = $1 FOR UPDATE`

		var oid sql.NullInt64
		err := tx.QueryRowContext(ctx, q, id.String()).Scan(&oid)
		if stderrs.Is(err, sql.ErrNoRows) {
			return errors.Wrapf(durable.ErrNotFound, "writing %s", id)
		}
		if err != nil {
			return errors.Wrapf(err, "writing %s", id)
		}

		if !oid.Valid {
			if err = tx.QueryRowContext(ctx, `SELECT lo_create(0)`).Scan(&oid.Int64); err != nil {
				return errors.Wrapf(err, "creating large object for %s", id)
			}
		}

		fd, err := loOpen(ctx, tx, oid.Int64, invWrite)
		if err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `SELECT lo_truncate($1, 0)`, fd); err != nil {
			return errors.Wrapf(err, "truncating large object for %s", id)
		}

		var (
			buf  = make([]byte, ChunkSize)
			size int64
		)
		for {
			n, rerr := io.ReadFull(r, buf)
			if n > 0 {
				if _, err = tx.ExecContext(ctx, `SELECT lowrite($1, $2)`, fd, buf[:n]); err != nil {
					return errors.Wrapf(err, "writing large object for %s", id)
				}
				size += int64(n)
			}
			if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
				break
			}
			if rerr != nil {
				return errors.Wrapf(rerr, "reading body for %s", id)
			}
		}

		const q2 = `UPDATE files SET body = $1, size = $2 WHERE id = $3`
		_, err = tx.ExecContext(ctx, q2, oid.Int64, size, id.String())
		return errors.Wrapf(err, "updating %s", id)
	})
}

// List implements durable.Store.
func (s *Store) List(ctx context.Context, f func(durable.Row) error) error {
	const q = `SELECT id, name, size FROM files ORDER BY id`

	return sqlutil.ForQueryRows(ctx, s.db, q, func(idstr, name string, size int64) error {
		id, err := fstream.ParseKey(idstr)
		if err != nil {
			return err
		}
		return f(durable.Row{ID: id, Name: name, Size: size})
	})
}

func (s *Store) inTx(ctx context.Context, f func(*sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = f(tx); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "committing transaction")
}

func loOpen(ctx context.Context, tx *sql.Tx, oid int64, mode int) (int, error) {
	var fd int
	err := tx.QueryRowContext(ctx, `SELECT lo_open($1, $2)`, oid, mode).Scan(&fd)
	return fd, errors.Wrapf(err, "opening large object %d", oid)
}

// loReader reads a large object through the transaction that opened it.
type loReader struct {
	ctx context.Context
	tx  *sql.Tx
	fd  int
	eof bool
}

func (r *loReader) Read(p []byte) (int, error) {
	if r.eof {
		return 0, io.EOF
	}
	if len(p) > ChunkSize {
		p = p[:ChunkSize]
	}

	var chunk []byte
	if err := r.tx.QueryRowContext(r.ctx, `SELECT loread($1, $2)`, r.fd, len(p)).Scan(&chunk); err != nil {
		return 0, errors.Wrap(err, "reading large object")
	}
	if len(chunk) < len(p) {
		r.eof = true
	}
	n := copy(p, chunk)
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }

func init() {
	durable.Register("pg", func(ctx context.Context, conf map[string]interface{}) (durable.Store, error) {
		conn, ok := conf["conn"].(string)
		if !ok {
			return nil, errors.New(`missing "conn" parameter`)
		}
		db, err := sql.Open("postgres", conn)
		if err != nil {
			return nil, errors.Wrap(err, "opening db")
		}
		return New(ctx, db)
	})
}
