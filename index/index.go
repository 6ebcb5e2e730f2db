// Package index maps stream keys and content hashes to stored items.
package index

import (
	"sync"

	"github.com/bobg/fstream"
)

// Index is the set of known streams.
// Several keys may map to the same item
// when identical content was uploaded under different keys.
//
// All methods are safe for concurrent use.
// Lookups return copies;
// items change only through Update.
type Index struct {
	mu     sync.Mutex
	items  map[fstream.Key]*fstream.Item
	claims map[fstream.Key]struct{}
}

// New produces an empty Index.
func New() *Index {
	return &Index{
		items:  make(map[fstream.Key]*fstream.Item),
		claims: make(map[fstream.Key]struct{}),
	}
}

// Lookup finds the item for key.
func (x *Index) Lookup(key fstream.Key) (fstream.Item, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if item, ok := x.items[key]; ok {
		return *item, true
	}
	return fstream.Item{}, false
}

// LookupByHash finds a complete item whose content hash
// or compressed hash is h.
func (x *Index) LookupByHash(h fstream.Hash) (fstream.Item, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if item, ok := x.lookupByHash(h); ok {
		return *item, true
	}
	return fstream.Item{}, false
}

// Caller must obtain a lock.
func (x *Index) lookupByHash(h fstream.Hash) (*fstream.Item, bool) {
	if h.IsZero() {
		return nil, false
	}
	for _, item := range x.items {
		if item.Downloaded && item.MatchesHash(h) {
			return item, true
		}
	}
	return nil, false
}

// Find looks up key,
// falling back to a search by hash.
func (x *Index) Find(key fstream.Key, h fstream.Hash) (fstream.Item, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	item, ok := x.items[key]
	if !ok {
		item, ok = x.lookupByHash(h)
	}
	if ok {
		return *item, true
	}
	return fstream.Item{}, false
}

// Insert adds item under key.
// If key is already present, the index is unchanged
// and Insert returns false.
func (x *Index) Insert(key fstream.Key, item *fstream.Item) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	if _, ok := x.items[key]; ok {
		return false
	}
	x.items[key] = item
	return true
}

// Alias makes key refer to the same item as target.
// It returns false if key is already present or target is not.
func (x *Index) Alias(key, target fstream.Key) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	if _, ok := x.items[key]; ok {
		return false
	}
	item, ok := x.items[target]
	if !ok {
		return false
	}
	x.items[key] = item
	return true
}

// Update calls f on the item for key while holding the index lock.
// It reports whether key was present.
func (x *Index) Update(key fstream.Key, f func(*fstream.Item)) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	item, ok := x.items[key]
	if ok {
		f(item)
	}
	return ok
}

// Remove deletes key from the index.
func (x *Index) Remove(key fstream.Key) {
	x.mu.Lock()
	defer x.mu.Unlock()

	delete(x.items, key)
}

// Clear empties the index and returns the items it held,
// one per distinct file.
func (x *Index) Clear() []fstream.Item {
	x.mu.Lock()
	defer x.mu.Unlock()

	result := x.distinct()
	x.items = make(map[fstream.Key]*fstream.Item)
	return result
}

// Items returns the items in the index,
// one per distinct file.
func (x *Index) Items() []fstream.Item {
	x.mu.Lock()
	defer x.mu.Unlock()

	return x.distinct()
}

// Caller must obtain a lock.
func (x *Index) distinct() []fstream.Item {
	var (
		result []fstream.Item
		seen   = make(map[*fstream.Item]bool)
	)
	for _, item := range x.items {
		if seen[item] {
			continue
		}
		seen[item] = true
		result = append(result, *item)
	}
	return result
}

// Len is the number of keys in the index.
func (x *Index) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()

	return len(x.items)
}

// Claim reserves key for a single writer.
// It returns false if key is already claimed.
func (x *Index) Claim(key fstream.Key) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	if _, ok := x.claims[key]; ok {
		return false
	}
	x.claims[key] = struct{}{}
	return true
}

// Release gives up a claim obtained with Claim.
func (x *Index) Release(key fstream.Key) {
	x.mu.Lock()
	defer x.mu.Unlock()

	delete(x.claims, key)
}
