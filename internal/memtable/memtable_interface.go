package memtable

import "lsmkv/internal/common"

// Memtable defines the interface for the mutable in-memory buffer of recent writes.
type Memtable interface {
	// Put inserts or replaces the entry for entry.Key. Tombstones are stored
	// like any other entry.
	Put(entry *common.Entry) error
	// Get returns the stored entry for key, including tombstones.
	Get(key []byte) (*common.Entry, bool)
	// Range returns entries with from <= key < to in key order. An empty
	// bound is unbounded. The iterator sees the table as of the call.
	Range(from, to []byte) common.EntryIterator
	Iterator() common.EntryIterator
	// Len returns the number of keys, tombstones included.
	Len() int
	// Size returns the approximate number of bytes buffered.
	Size() int64
	ShouldFlush(threshold int64) bool
}
