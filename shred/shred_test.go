package shred

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/bobg/fstream"
)

type osDeleter struct{}

func (osDeleter) Delete(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// flakyDeleter fails the first n calls.
type flakyDeleter struct {
	mu    sync.Mutex
	n     int
	calls int
}

func (d *flakyDeleter) Delete(string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.calls <= d.n {
		return errors.New("file in use")
	}
	return nil
}

func (d *flakyDeleter) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func touch(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(name), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestShredder(t *testing.T) {
	dir := t.TempDir()

	r := NewRetrier(5, time.Millisecond, nil)
	defer r.Close()
	s := New(osDeleter{}, r, nil)

	var (
		k1 = fstream.NewKey()
		k2 = fstream.NewKey()
		p1 = touch(t, dir, "one")
		p2 = touch(t, dir, "two")
	)
	s.Register(&fstream.Item{Key: k1, Path: p1})
	s.Register(&fstream.Item{Key: k1, Path: p1})
	s.Register(&fstream.Item{Key: k2, Path: p2})
	if s.Len() != 2 {
		t.Fatalf("got %d registered files, want 2", s.Len())
	}

	s.Release(k1)
	if _, err := os.Stat(p1); !os.IsNotExist(err) {
		t.Errorf("%s not deleted on release", p1)
	}
	if _, err := os.Stat(p2); err != nil {
		t.Errorf("%s deleted early: %s", p2, err)
	}

	s.DeleteAll()
	if _, err := os.Stat(p2); !os.IsNotExist(err) {
		t.Errorf("%s not deleted", p2)
	}
	if s.Len() != 0 {
		t.Errorf("got %d registered files after DeleteAll, want 0", s.Len())
	}
}

func TestSweep(t *testing.T) {
	dir := t.TempDir()

	r := NewRetrier(1, time.Millisecond, nil)
	defer r.Close()
	s := New(osDeleter{}, r, nil)

	var (
		oldPath = touch(t, dir, "old")
		newPath = touch(t, dir, "new")
	)
	s.Register(&fstream.Item{Key: fstream.NewKey(), Path: oldPath, CreatedAt: time.Now().Add(-time.Hour)})
	s.Register(&fstream.Item{Key: fstream.NewKey(), Path: newPath, CreatedAt: time.Now()})

	if n := s.Sweep(time.Minute); n != 1 {
		t.Errorf("swept %d files, want 1", n)
	}
	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Error("old file survived sweep")
	}
	if _, err := os.Stat(newPath); err != nil {
		t.Errorf("new file removed by sweep: %s", err)
	}
}

func TestRetrySucceeds(t *testing.T) {
	r := NewRetrier(5, time.Millisecond, nil)
	defer r.Close()

	d := &flakyDeleter{n: 2}
	if err := r.Do("flaky", func() error { return d.Delete("x") }); err == nil {
		t.Fatal("first attempt unexpectedly succeeded")
	}
	r.Wait()
	if got := d.Calls(); got != 3 {
		t.Errorf("got %d calls, want 3", got)
	}
}

func TestRetryGivesUp(t *testing.T) {
	r := NewRetrier(5, time.Millisecond, nil)
	defer r.Close()

	var (
		mu     sync.Mutex
		gaveUp []string
		d      = &flakyDeleter{n: 100}
	)
	r.OnGiveUp = func(desc string, _ error) {
		mu.Lock()
		gaveUp = append(gaveUp, desc)
		mu.Unlock()
	}

	r.Do("stubborn", func() error { return d.Delete("x") })
	r.Wait()

	if got := d.Calls(); got != 5 {
		t.Errorf("got %d attempts, want 5", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(gaveUp) != 1 || gaveUp[0] != "stubborn" {
		t.Errorf("got give-ups %v, want [stubborn]", gaveUp)
	}
}
