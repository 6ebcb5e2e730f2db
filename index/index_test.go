package index

import (
	"crypto/sha256"
	"sync"
	"testing"

	"github.com/bobg/fstream"
)

func TestIndex(t *testing.T) {
	x := New()

	var (
		k1 = fstream.NewKey()
		k2 = fstream.NewKey()
		h1 = fstream.Hash(sha256.Sum256([]byte("yub")))
		h2 = fstream.Hash(sha256.Sum256([]byte("nub")))
	)

	item := &fstream.Item{Key: k1, ContentHash: h1, CompressedHash: h2, Downloaded: true}
	if !x.Insert(k1, item) {
		t.Fatal("first insert reported no change")
	}
	if x.Insert(k1, &fstream.Item{Key: k1}) {
		t.Error("second insert replaced the item")
	}
	if got, _ := x.Lookup(k1); got != *item {
		t.Error("lookup returned a different item")
	}

	for _, h := range []fstream.Hash{h1, h2} {
		if got, ok := x.LookupByHash(h); !ok || got.Key != k1 {
			t.Errorf("lookup by hash %s failed", h)
		}
	}
	if _, ok := x.LookupByHash(fstream.ZeroHash); ok {
		t.Error("zero hash matched")
	}

	if got, ok := x.Find(k2, h1); !ok || got.Key != k1 {
		t.Error("find by hash fallback failed")
	}

	if !x.Alias(k2, k1) {
		t.Fatal("alias failed")
	}
	if x.Alias(k2, k1) {
		t.Error("second alias succeeded")
	}
	x.Update(k2, func(item *fstream.Item) { item.Length = 7 })
	if got, _ := x.Lookup(k1); got.Length != 7 {
		t.Error("alias does not share its target")
	}
	if x.Len() != 2 {
		t.Errorf("got %d keys, want 2", x.Len())
	}
	if n := len(x.Items()); n != 1 {
		t.Errorf("got %d distinct items, want 1", n)
	}

	x.Remove(k2)
	if _, ok := x.Lookup(k2); ok {
		t.Error("removed key still present")
	}

	if got := x.Clear(); len(got) != 1 {
		t.Errorf("clear returned %d items, want 1", len(got))
	}
	if x.Len() != 0 {
		t.Error("index not empty after clear")
	}
}

func TestIncompleteNotFoundByHash(t *testing.T) {
	x := New()
	h := fstream.Hash(sha256.Sum256([]byte("yubnub")))
	k := fstream.NewKey()
	x.Insert(k, &fstream.Item{Key: k, ContentHash: h})

	if _, ok := x.LookupByHash(h); ok {
		t.Error("incomplete item found by hash")
	}
	x.Update(k, func(item *fstream.Item) { item.Downloaded = true })
	if _, ok := x.LookupByHash(h); !ok {
		t.Error("complete item not found by hash")
	}
}

func TestClaim(t *testing.T) {
	x := New()
	k := fstream.NewKey()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if x.Claim(k) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("got %d successful claims, want 1", wins)
	}

	x.Release(k)
	if !x.Claim(k) {
		t.Error("claim after release failed")
	}
}
