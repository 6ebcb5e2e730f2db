package compress

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/bobg/fstream"
)

type dirTemp string

func (d dirTemp) TempFile(pattern string) (*os.File, error) {
	return os.CreateTemp(string(d), pattern)
}

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		size int
	}{
		{name: "empty", size: 0},
		{name: "small", size: 100},
		{name: "one buffer", size: BufferSize},
		{name: "many buffers", size: 17*BufferSize + 123},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			c := New(dirTemp(dir), -1, nil)

			data := make([]byte, tc.size)
			rand.New(rand.NewSource(int64(tc.size))).Read(data)

			path, n, chash, err := c.Compress(bytes.NewReader(data))
			if err != nil {
				t.Fatal(err)
			}
			compressed, err := os.ReadFile(path)
			if err != nil {
				t.Fatal(err)
			}
			if int64(len(compressed)) != n {
				t.Errorf("got compressed size %d, file has %d bytes", n, len(compressed))
			}
			if chash != fstream.Hash(sha256.Sum256(compressed)) {
				t.Error("compressed hash mismatch")
			}

			dest := filepath.Join(dir, "out")
			n, h, err := c.Decompress(bytes.NewReader(compressed), path, dest)
			if err != nil {
				t.Fatal(err)
			}
			if n != int64(len(data)) {
				t.Errorf("got length %d, want %d", n, len(data))
			}
			if h != fstream.Hash(sha256.Sum256(data)) {
				t.Error("canonical hash mismatch")
			}

			got, err := os.ReadFile(dest)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, data) {
				t.Error("round trip mismatch")
			}
		})
	}
}

func TestDecompressCorrupt(t *testing.T) {
	dir := t.TempDir()
	c := New(dirTemp(dir), -1, nil)

	// A block header with the reserved block type.
	corrupt := []byte{0xff, 0xff, 0xff, 0xff}

	src := filepath.Join(dir, "src.compressed")
	if err := os.WriteFile(src, corrupt, 0644); err != nil {
		t.Fatal(err)
	}
	dest := filepath.Join(dir, "dest")

	_, _, err := c.Decompress(bytes.NewReader(corrupt), src, dest)
	if !errors.Is(err, fstream.ErrCorruptStream) {
		t.Fatalf("got error %v, want ErrCorruptStream", err)
	}
	for _, p := range []string{src, dest} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("%s still exists (err = %v)", p, err)
		}
	}
}

func TestDecompressTruncated(t *testing.T) {
	dir := t.TempDir()
	c := New(dirTemp(dir), -1, nil)

	data := bytes.Repeat([]byte("yubnub "), 10000)
	path, _, _, err := c.Compress(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	compressed, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(dir, "dest")
	_, _, err = c.Decompress(bytes.NewReader(compressed[:len(compressed)/2]), "", dest)
	if !errors.Is(err, fstream.ErrCorruptStream) {
		t.Fatalf("got error %v, want ErrCorruptStream", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("source removed although no source path was given: %v", err)
	}
}

func TestHashFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	if err := os.WriteFile(path, []byte("yubnub"), 0644); err != nil {
		t.Fatal(err)
	}
	h, n, err := HashFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if n != 6 {
		t.Errorf("got length %d, want 6", n)
	}
	if h != fstream.Hash(sha256.Sum256([]byte("yubnub"))) {
		t.Error("hash mismatch")
	}
}
