// Package blob implements the local file store holding raw blob bytes.
package blob

import (
	"io"
	"os"
	"path/filepath"

	"github.com/bobg/flock"
	"github.com/pkg/errors"

	"github.com/bobg/fstream"
)

// Suffixes of the files a blob may have besides its canonical one.
const (
	PartSuffix       = ".part"
	CompressedSuffix = ".compressed"
)

const lockFileBaseName = "lock"

// Store is a directory of blob files.
// It does not interpret the bytes it stores.
type Store struct {
	root    string
	flocker flock.Locker
}

// New produces a new Store storing data beneath `root`.
// It takes an advisory lock on the root,
// which is held until Close.
func New(root string) (*Store, error) {
	s := &Store{root: root}
	for _, dir := range []string{s.blobroot(), s.tmproot()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrapf(err, "ensuring path %s exists", dir)
		}
	}
	if err := s.flocker.Lock(s.lockpath()); err != nil {
		return nil, errors.Wrapf(err, "locking %s", s.root)
	}
	return s, nil
}

// Close releases the lock on the store's root.
func (s *Store) Close() error {
	return s.flocker.Unlock(s.lockpath())
}

// Root is the directory beneath which s keeps its files.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) blobroot() string {
	return filepath.Join(s.root, "blobs")
}

func (s *Store) tmproot() string {
	return filepath.Join(s.root, "tmp")
}

func (s *Store) lockpath() string {
	return filepath.Join(s.root, lockFileBaseName)
}

// BlobPath is the path of the canonical file for key.
func (s *Store) BlobPath(key fstream.Key) string {
	return filepath.Join(s.blobroot(), key.String())
}

// PartPath is the path of the in-progress file for key.
func (s *Store) PartPath(key fstream.Key) string {
	return s.BlobPath(key) + PartSuffix
}

// TempFile creates a new file for ephemeral content.
// The caller must close it and eventually delete it.
func (s *Store) TempFile(pattern string) (*os.File, error) {
	f, err := os.CreateTemp(s.tmproot(), pattern)
	return f, errors.Wrapf(err, "creating temp file in %s", s.tmproot())
}

// OpenForWrite opens the file at path for writing,
// creating it if necessary,
// and positions it at offset.
// The bytes already in the file are not checked.
func (s *Store) OpenForWrite(path string, offset int64) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s for writing", path)
	}
	if _, err = f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "seeking to %d in %s", offset, path)
	}
	return f, nil
}

// OpenForRead opens the file at path for reading.
// A missing file produces fstream.ErrNotFound.
func (s *Store) OpenForRead(path string) (*os.File, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, fstream.ErrNotFound
	}
	return f, errors.Wrapf(err, "opening %s", path)
}

// Size reports the length of the file at path.
// A missing file has size 0.
func (s *Store) Size(path string) (int64, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "getting info for %s", path)
	}
	return info.Size(), nil
}

// Commit moves the file at from to to,
// replacing anything already there.
func (s *Store) Commit(from, to string) error {
	return errors.Wrapf(os.Rename(from, to), "renaming %s to %s", from, to)
}

// Delete removes the file at path.
// Deleting a missing file succeeds.
// Other failures are reported and not retried.
func (s *Store) Delete(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return errors.Wrapf(err, "deleting %s", path)
}
