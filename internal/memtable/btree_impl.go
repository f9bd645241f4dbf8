package memtable

import (
	"bytes"
	"errors"
	"sync"

	"github.com/google/btree"

	"lsmkv/internal/common"
)

const (
	btreeDegree = 32

	// entryOverhead approximates per-entry bookkeeping (node slot, Entry
	// header, slice headers) on top of key and value bytes.
	entryOverhead = 64

	// rangePageSize is the number of entries a range iterator pulls from its
	// snapshot per refill.
	rangePageSize = 128
)

var errInvalidEntry = errors.New("memtable: entry must have a non-empty key")

// BTreeMemtable is an ordered memtable backed by a copy-on-write B-tree.
// Entries handed out by Get and iterators are shared and must not be modified.
type BTreeMemtable struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[*common.Entry]
	size int64
}

var _ Memtable = (*BTreeMemtable)(nil)

// NewMemtable returns the default B-tree backed memtable.
func NewMemtable() *BTreeMemtable {
	return &BTreeMemtable{
		tree: btree.NewG[*common.Entry](btreeDegree, entryLess),
	}
}

func entryLess(a, b *common.Entry) bool {
	return bytes.Compare(a.Key, b.Key) < 0
}

func entrySize(e *common.Entry) int64 {
	return int64(len(e.Key) + len(e.Value) + entryOverhead)
}

// Put records or overwrites the entry for entry.Key. The entry is cloned.
func (m *BTreeMemtable) Put(entry *common.Entry) error {
	if entry == nil || len(entry.Key) == 0 {
		return errInvalidEntry
	}
	stored := entry.Clone()

	m.mu.Lock()
	defer m.mu.Unlock()

	if old, replaced := m.tree.ReplaceOrInsert(stored); replaced {
		m.size -= entrySize(old)
	}
	m.size += entrySize(stored)
	return nil
}

// Get returns the most recent entry for key, if any. Tombstones are returned.
func (m *BTreeMemtable) Get(key []byte) (*common.Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.Get(&common.Entry{Key: key})
}

// Range returns a lazy iterator over [from, to). The iterator reads from a
// snapshot, so later writes are not observed.
func (m *BTreeMemtable) Range(from, to []byte) common.EntryIterator {
	// Clone mutates copy-on-write bookkeeping in the source tree.
	m.mu.Lock()
	snapshot := m.tree.Clone()
	m.mu.Unlock()

	return &rangeIterator{
		tree:   snapshot,
		cursor: bytes.Clone(from),
		to:     bytes.Clone(to),
	}
}

// Iterator returns a snapshot iterator over all entries.
func (m *BTreeMemtable) Iterator() common.EntryIterator {
	return m.Range(nil, nil)
}

func (m *BTreeMemtable) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.Len()
}

func (m *BTreeMemtable) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

// ShouldFlush returns true if the buffered bytes reached threshold.
func (m *BTreeMemtable) ShouldFlush(threshold int64) bool {
	return threshold > 0 && m.Size() >= threshold
}

// rangeIterator pages through a private snapshot of the tree. The entries it
// returns are the tree's own and must not be modified.
type rangeIterator struct {
	tree   *btree.BTreeG[*common.Entry]
	cursor []byte // next key to visit, inclusive; empty means from the start
	to     []byte // exclusive; empty means to the end
	page   []*common.Entry
	pos    int
	done   bool
}

func (it *rangeIterator) Next() (*common.Entry, error) {
	if it.pos >= len(it.page) {
		if it.done {
			return nil, nil
		}
		it.refill()
		if len(it.page) == 0 {
			return nil, nil
		}
	}
	entry := it.page[it.pos]
	it.pos++
	return entry, nil
}

func (it *rangeIterator) refill() {
	it.page = it.page[:0]
	it.pos = 0

	visit := func(e *common.Entry) bool {
		if len(it.to) > 0 && bytes.Compare(e.Key, it.to) >= 0 {
			it.done = true
			return false
		}
		it.page = append(it.page, e)
		return len(it.page) < rangePageSize
	}

	if len(it.cursor) == 0 {
		it.tree.Ascend(visit)
	} else {
		it.tree.AscendGreaterOrEqual(&common.Entry{Key: it.cursor}, visit)
	}

	if len(it.page) < rangePageSize {
		it.done = true
	}
	if n := len(it.page); n > 0 {
		// The smallest key strictly greater than the last one visited.
		last := it.page[n-1].Key
		next := make([]byte, len(last)+1)
		copy(next, last)
		it.cursor = next
	}
	if it.done {
		it.tree = nil
	}
}
