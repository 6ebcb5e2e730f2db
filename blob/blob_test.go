package blob

import (
	"errors"
	"io"
	"os"
	"testing"

	"github.com/bobg/fstream"
)

func TestStore(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	var (
		key  = fstream.NewKey()
		part = s.PartPath(key)
		path = s.BlobPath(key)
	)

	if size, err := s.Size(part); err != nil {
		t.Fatal(err)
	} else if size != 0 {
		t.Errorf("got size %d for missing file, want 0", size)
	}

	write := func(offset int64, data string) {
		t.Helper()
		f, err := s.OpenForWrite(part, offset)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := io.WriteString(f, data); err != nil {
			t.Fatal(err)
		}
		if err := f.Close(); err != nil {
			t.Fatal(err)
		}
	}

	write(0, "yub")
	write(3, "nub")

	if err := s.Commit(part, path); err != nil {
		t.Fatal(err)
	}

	f, err := s.OpenForRead(path)
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "yubnub" {
		t.Errorf("got %q, want yubnub", got)
	}

	if _, err := os.Stat(part); !os.IsNotExist(err) {
		t.Errorf("part file still present after commit (err = %v)", err)
	}

	if err := s.Delete(path); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(path); err != nil {
		t.Errorf("deleting missing file: %s", err)
	}

	_, err = s.OpenForRead(path)
	if !errors.Is(err, fstream.ErrNotFound) {
		t.Errorf("got error %v, want ErrNotFound", err)
	}
}

func TestTempFile(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	f, err := s.TempFile("tmp-*")
	if err != nil {
		t.Fatal(err)
	}
	name := f.Name()
	f.Close()

	if _, err := os.Stat(name); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(name); err != nil {
		t.Fatal(err)
	}
}
