// Package testutil holds helpers shared by the tests of durable stores and caches.
package testutil

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	"github.com/bobg/fstream"
	"github.com/bobg/fstream/durable"
)

// Data produces n pseudorandom bytes determined by seed.
func Data(seed int64, n int) []byte {
	buf := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(buf)
	return buf
}

// ReadWrite permits testing a durable.Store implementation
// by writing some data to it,
// then reading it back out to make sure it's the same.
// It also checks overwriting, listing, and missing ids.
func ReadWrite(ctx context.Context, t *testing.T, store durable.Store, data []byte) {
	id := fstream.NewKey()

	if err := store.WriteBody(ctx, id, bytes.NewReader(data)); !errors.Is(err, durable.ErrNotFound) {
		t.Errorf("got error %v writing a missing row, want %v", err, durable.ErrNotFound)
	}
	if err := store.ReadBody(ctx, id, func(io.Reader) error { return nil }); !errors.Is(err, durable.ErrNotFound) {
		t.Errorf("got error %v reading a missing row, want %v", err, durable.ErrNotFound)
	}

	if err := store.Create(ctx, id, "data.bin"); err != nil {
		t.Fatal(err)
	}
	if got := readBody(ctx, t, store, id); len(got) != 0 {
		t.Errorf("new row has %d bytes, want 0", len(got))
	}

	t1 := time.Now()
	if err := store.WriteBody(ctx, id, bytes.NewReader(data)); err != nil {
		t.Fatal(err)
	}
	t.Logf("wrote %d bytes in %s", len(data), time.Since(t1))

	t2 := time.Now()
	got := readBody(ctx, t, store, id)
	t.Logf("read %d bytes in %s", len(got), time.Since(t2))
	compare(t, got, data)

	// Creating again leaves the body alone.
	if err := store.Create(ctx, id, "data.bin"); err != nil {
		t.Fatal(err)
	}

	var rows []durable.Row
	err := store.List(ctx, func(row durable.Row) error {
		if row.ID == id {
			rows = append(rows, row)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []durable.Row{{ID: id, Name: "data.bin", Size: int64(len(data))}}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Errorf("List mismatch (-want +got):\n%s", diff)
	}

	short := data[:len(data)/3]
	if err := store.WriteBody(ctx, id, bytes.NewReader(short)); err != nil {
		t.Fatal(err)
	}
	compare(t, readBody(ctx, t, store, id), short)
}

func readBody(ctx context.Context, t *testing.T, store durable.Store, id fstream.Key) []byte {
	t.Helper()

	var got []byte
	err := store.ReadBody(ctx, id, func(r io.Reader) error {
		var err error
		got, err = io.ReadAll(r)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	return got
}

func compare(t *testing.T, got, want []byte) {
	t.Helper()

	if len(got) != len(want) {
		t.Errorf("got length %d, want %d", len(got), len(want))
		return
	}
	for i := 0; i < len(got); i++ {
		if got[i] != want[i] {
			t.Fatalf("mismatch at position %d (of %d)", i, len(got))
		}
	}
}
