package transfer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/flate"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/bobg/fstream"
	"github.com/bobg/fstream/durable/mem"
	"github.com/bobg/fstream/service"
	"github.com/bobg/fstream/testutil"
)

func newCache(t *testing.T) *service.Service {
	t.Helper()

	svc, err := service.New(t.TempDir(), &service.Options{CompressionLevel: -1})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc
}

func addFile(ctx context.Context, t *testing.T, store *mem.Store, data []byte) fstream.Key {
	t.Helper()

	id := fstream.NewKey()
	if err := store.Create(ctx, id, id.String()+".bin"); err != nil {
		t.Fatal(err)
	}
	if err := store.WriteBody(ctx, id, bytes.NewReader(data)); err != nil {
		t.Fatal(err)
	}
	return id
}

func readCache(ctx context.Context, t *testing.T, c fstream.Cache, id fstream.Key) []byte {
	t.Helper()

	r, err := c.GetStream(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	return got
}

func readStore(ctx context.Context, t *testing.T, store *mem.Store, id fstream.Key) []byte {
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

func TestUpload(t *testing.T) {
	for _, compress := range []bool{false, true} {
		name := "plain"
		if compress {
			name = "compressed"
		}
		t.Run(name, func(t *testing.T) {
			var (
				ctx   = context.Background()
				store = mem.New()
				cache = newCache(t)
				data  = testutil.Data(1, 200000)
				id    = addFile(ctx, t, store, data)
			)

			tr, err := New(store, cache, 16, nil)
			if err != nil {
				t.Fatal(err)
			}
			tr.Compress = compress

			result, err := tr.Upload(ctx, id)
			if err != nil {
				t.Fatal(err)
			}
			if result.Status != fstream.StatusComplete {
				t.Errorf("got status %s, want %s", result.Status, fstream.StatusComplete)
			}
			if got := readCache(ctx, t, cache, id); !bytes.Equal(got, data) {
				t.Error("content mismatch")
			}

			result, err = tr.Upload(ctx, id)
			if err != nil {
				t.Fatal(err)
			}
			if result.Status != fstream.StatusExists {
				t.Errorf("got status %s on second upload, want %s", result.Status, fstream.StatusExists)
			}
		})
	}
}

func TestResume(t *testing.T) {
	t.Run("plain", func(t *testing.T) {
		var (
			ctx   = context.Background()
			store = mem.New()
			cache = newCache(t)
			data  = testutil.Data(2, 100000)
			id    = addFile(ctx, t, store, data)
		)

		// Leave a partial upload in the cache.
		info := fstream.Info{Key: id, Length: int64(len(data))}
		result, err := cache.PrepareStream(ctx, fstream.NewMessage(info, bytes.NewReader(data[:30000])))
		if err != nil {
			t.Fatal(err)
		}
		if result.Status != fstream.StatusPartial {
			t.Fatalf("got status %s, want %s", result.Status, fstream.StatusPartial)
		}

		tr, err := New(store, cache, 16, nil)
		if err != nil {
			t.Fatal(err)
		}
		result, err = tr.Upload(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if result.Status != fstream.StatusComplete {
			t.Errorf("got status %s, want %s", result.Status, fstream.StatusComplete)
		}
		if result.Written != int64(len(data)-30000) {
			t.Errorf("got %d bytes written, want %d", result.Written, len(data)-30000)
		}
		if got := readCache(ctx, t, cache, id); !bytes.Equal(got, data) {
			t.Error("content mismatch")
		}
	})

	t.Run("compressed", func(t *testing.T) {
		var (
			ctx   = context.Background()
			store = mem.New()
			cache = newCache(t)
			data  = testutil.Data(3, 200000)
			id    = addFile(ctx, t, store, data)
		)

		comp := deflateBytes(t, data)
		cut := len(comp) / 2

		// Leave half a deflate stream in the cache.
		info := fstream.Info{Key: id, Length: int64(len(comp)), Encoding: fstream.EncodingDeflate}
		result, err := cache.PrepareStream(ctx, fstream.NewMessage(info, bytes.NewReader(comp[:cut])))
		if err != nil {
			t.Fatal(err)
		}
		if result.Status != fstream.StatusPartial || result.Info.Position != int64(cut) {
			t.Fatalf("got status %s at %d, want %s at %d", result.Status, result.Info.Position, fstream.StatusPartial, cut)
		}

		for _, compress := range []bool{true, false} {
			tr, err := New(store, cache, 16, nil)
			if err != nil {
				t.Fatal(err)
			}
			tr.Compress = compress

			result, err = tr.Upload(ctx, id)
			if err != nil {
				t.Fatalf("compress=%v: %s", compress, err)
			}
			if compress && result.Status != fstream.StatusComplete {
				t.Errorf("got status %s, want %s", result.Status, fstream.StatusComplete)
			}
			if !compress && result.Status != fstream.StatusExists {
				t.Errorf("got status %s on second upload, want %s", result.Status, fstream.StatusExists)
			}
			if got := readCache(ctx, t, cache, id); !bytes.Equal(got, data) {
				t.Errorf("compress=%v: content mismatch", compress)
			}
		}
	})

	t.Run("compressed leftover, plain upload", func(t *testing.T) {
		var (
			ctx   = context.Background()
			store = mem.New()
			cache = newCache(t)
			data  = testutil.Data(4, 100000)
			id    = addFile(ctx, t, store, data)
			comp  = deflateBytes(t, data)
		)

		info := fstream.Info{Key: id, Length: int64(len(comp)), Encoding: fstream.EncodingDeflate}
		if _, err := cache.PrepareStream(ctx, fstream.NewMessage(info, bytes.NewReader(comp[:len(comp)/3]))); err != nil {
			t.Fatal(err)
		}

		tr, err := New(store, cache, 16, nil)
		if err != nil {
			t.Fatal(err)
		}
		result, err := tr.Upload(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if result.Written != int64(len(data)) {
			t.Errorf("got %d bytes written, want %d", result.Written, len(data))
		}
		if got := readCache(ctx, t, cache, id); !bytes.Equal(got, data) {
			t.Error("content mismatch")
		}
	})
}

func deflateBytes(t *testing.T, data []byte) []byte {
	t.Helper()

	buf := new(bytes.Buffer)
	w, err := flate.NewWriter(buf, flate.DefaultCompression)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = w.Write(data); err != nil {
		t.Fatal(err)
	}
	if err = w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestUploadAll(t *testing.T) {
	var (
		ctx   = context.Background()
		store = mem.New()
		cache = newCache(t)
		ids   []fstream.Key
	)
	for i := 0; i < 10; i++ {
		ids = append(ids, addFile(ctx, t, store, testutil.Data(int64(i), 1000*(i+1))))
	}

	tr, err := New(store, cache, 16, nil)
	if err != nil {
		t.Fatal(err)
	}
	n, err := tr.UploadAll(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(ids) {
		t.Errorf("uploaded %d files, want %d", n, len(ids))
	}
	for i, id := range ids {
		if got := readCache(ctx, t, cache, id); !bytes.Equal(got, testutil.Data(int64(i), 1000*(i+1))) {
			t.Errorf("content mismatch for file %d", i)
		}
	}
}

func TestDownload(t *testing.T) {
	for _, compress := range []bool{false, true} {
		name := "plain"
		if compress {
			name = "compressed"
		}
		t.Run(name, func(t *testing.T) {
			var (
				ctx   = context.Background()
				store = mem.New()
				cache = newCache(t)
				data  = bytes.Repeat([]byte("fstream "), 20000)
				id    = fstream.NewKey()
			)

			if _, err := cache.PrepareStream(ctx, fstream.NewMessage(fstream.Info{Key: id}, bytes.NewReader(data))); err != nil {
				t.Fatal(err)
			}

			tr, err := New(store, cache, 16, nil)
			if err != nil {
				t.Fatal(err)
			}
			tr.Compress = compress

			if err = tr.Download(ctx, id, "out.bin"); err != nil {
				t.Fatal(err)
			}
			if got := readStore(ctx, t, store, id); !bytes.Equal(got, data) {
				t.Error("content mismatch")
			}
		})
	}
}

func TestCheckingReader(t *testing.T) {
	data := []byte("payload")
	r := &checkingReader{r: bytes.NewReader(data), h: sha256.New(), want: fstream.HashFromBytes([]byte("wrong"))}
	if _, err := io.ReadAll(r); err == nil {
		t.Error("hash mismatch went unnoticed")
	}
}

// progressLog collects progress reports.
type progressLog struct {
	mu      sync.Mutex
	reports []Progress
}

func (l *progressLog) add(p Progress) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reports = append(l.reports, p)
}

// final returns the last report for each key.
func (l *progressLog) final() map[fstream.Key]Progress {
	l.mu.Lock()
	defer l.mu.Unlock()

	result := make(map[fstream.Key]Progress)
	for _, p := range l.reports {
		result[p.Key] = p
	}
	return result
}

func TestProgress(t *testing.T) {
	for _, compress := range []bool{false, true} {
		name := "plain"
		if compress {
			name = "compressed"
		}
		t.Run(name, func(t *testing.T) {
			var (
				ctx   = context.Background()
				store = mem.New()
				cache = newCache(t)
				sizes = []int{1, 70000, 300000}
				ids   []fstream.Key
			)
			for i, size := range sizes {
				ids = append(ids, addFile(ctx, t, store, testutil.Data(int64(i+10), size)))
			}

			tr, err := New(store, cache, 16, nil)
			if err != nil {
				t.Fatal(err)
			}
			tr.Compress = compress

			var up progressLog
			tr.Progress = up.add
			if _, err = tr.UploadAll(ctx, 2); err != nil {
				t.Fatal(err)
			}

			want := make(map[fstream.Key]Progress)
			for i, id := range ids {
				want[id] = Progress{Key: id, Moved: int64(sizes[i]), Total: int64(sizes[i]), Done: true}
			}
			if diff := cmp.Diff(want, up.final()); diff != "" {
				t.Errorf("upload progress mismatch (-want +got):\n%s", diff)
			}

			var down progressLog
			other := mem.New()
			tr2, err := New(other, cache, 16, nil)
			if err != nil {
				t.Fatal(err)
			}
			tr2.Compress = compress
			tr2.Progress = down.add
			if err = tr2.Download(ctx, ids[2], "out.bin"); err != nil {
				t.Fatal(err)
			}
			got := down.final()[ids[2]]
			if !got.Done || got.Moved != got.Total || got.Total == 0 {
				t.Errorf("got final download progress %+v", got)
			}
			if !compress && got.Total != int64(sizes[2]) {
				t.Errorf("got total %d, want %d", got.Total, sizes[2])
			}
		})
	}
}

func TestProgressResume(t *testing.T) {
	var (
		ctx   = context.Background()
		store = mem.New()
		cache = newCache(t)
		data  = testutil.Data(5, 50000)
		id    = addFile(ctx, t, store, data)
	)

	info := fstream.Info{Key: id, Length: int64(len(data))}
	if _, err := cache.PrepareStream(ctx, fstream.NewMessage(info, bytes.NewReader(data[:20000]))); err != nil {
		t.Fatal(err)
	}

	tr, err := New(store, cache, 16, nil)
	if err != nil {
		t.Fatal(err)
	}
	var log progressLog
	tr.Progress = log.add
	if _, err = tr.Upload(ctx, id); err != nil {
		t.Fatal(err)
	}

	if len(log.reports) == 0 {
		t.Fatal("no progress reported")
	}
	if first := log.reports[0]; first.Moved <= 20000 {
		t.Errorf("first report at %d, want past the resume point", first.Moved)
	}
	if last := log.reports[len(log.reports)-1]; !last.Done || last.Moved != int64(len(data)) {
		t.Errorf("got last report %+v", last)
	}
}

func TestLogProgress(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	f := LogProgress(zap.New(core), time.Hour)

	key := fstream.NewKey()
	r := NewProgressReader(bytes.NewReader(testutil.Data(6, 10000)), key, 0, 10000, f)
	buf := make([]byte, 100)
	for {
		if _, err := r.Read(buf); err == io.EOF {
			break
		} else if err != nil {
			t.Fatal(err)
		}
	}

	// The first report, then the final one.
	entries := logs.FilterMessage("progress").All()
	if len(entries) != 2 {
		t.Fatalf("got %d log entries, want 2", len(entries))
	}
	last := entries[1].ContextMap()
	if last["moved"] != int64(10000) || last["done"] != true {
		t.Errorf("got final entry %v", last)
	}
}
