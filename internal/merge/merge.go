// Package merge combines sorted entry streams into one, resolving duplicate
// keys in favor of the newest source.
package merge

import (
	"bytes"
	"container/heap"
	"errors"
	"io"

	"lsmkv/internal/common"
)

// Source is one sorted, duplicate-free input to the merge. When several
// sources hold the same key, the one with the highest Priority wins.
type Source struct {
	Iter     common.EntryIterator
	Priority uint64
}

// Option configures an Iterator.
type Option func(*Iterator)

// KeepTombstones makes the iterator emit winning tombstones instead of
// skipping them. Used when the output is itself an SSTable that may shadow
// older data.
func KeepTombstones() Option {
	return func(it *Iterator) {
		it.keepTombstones = true
	}
}

// Iterator yields the union of its sources in ascending key order, one entry
// per key. It is not safe for concurrent use.
type Iterator struct {
	sources        []Source
	heap           cursorHeap
	keepTombstones bool
	primed         bool
	err            error
	closed         bool
}

var _ common.EntryIterator = (*Iterator)(nil)

// NewIterator returns a merge over sources. Sources are not read until the
// first call to Next.
func NewIterator(sources []Source, opts ...Option) *Iterator {
	it := &Iterator{sources: sources}
	for _, opt := range opts {
		opt(it)
	}
	return it
}

type cursor struct {
	iter     common.EntryIterator
	priority uint64
	entry    *common.Entry
}

func (c *cursor) advance() error {
	entry, err := c.iter.Next()
	if err != nil {
		return err
	}
	c.entry = entry
	return nil
}

// cursorHeap orders cursors by key ascending, then priority descending.
type cursorHeap []*cursor

func (h cursorHeap) Len() int { return len(h) }

func (h cursorHeap) Less(i, j int) bool {
	if cmp := bytes.Compare(h[i].entry.Key, h[j].entry.Key); cmp != 0 {
		return cmp < 0
	}
	return h[i].priority > h[j].priority
}

func (h cursorHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *cursorHeap) Push(x any) { *h = append(*h, x.(*cursor)) }

func (h *cursorHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return c
}

func (it *Iterator) prime() error {
	it.primed = true
	it.heap = make(cursorHeap, 0, len(it.sources))
	for _, src := range it.sources {
		c := &cursor{iter: src.Iter, priority: src.Priority}
		if err := c.advance(); err != nil {
			return err
		}
		if c.entry != nil {
			it.heap = append(it.heap, c)
		}
	}
	heap.Init(&it.heap)
	return nil
}

// Next returns the winning entry for the next key, or nil when every source
// is exhausted. Errors from any source are sticky.
func (it *Iterator) Next() (*common.Entry, error) {
	if it.err != nil {
		return nil, it.err
	}
	if it.closed {
		return nil, nil
	}
	if !it.primed {
		if err := it.prime(); err != nil {
			it.err = err
			return nil, err
		}
	}

	for it.heap.Len() > 0 {
		winner := it.heap[0].entry

		// Step past the key in every source that holds it.
		for it.heap.Len() > 0 && bytes.Equal(it.heap[0].entry.Key, winner.Key) {
			c := it.heap[0]
			if err := c.advance(); err != nil {
				it.err = err
				return nil, err
			}
			if c.entry == nil {
				heap.Pop(&it.heap)
			} else {
				heap.Fix(&it.heap, 0)
			}
		}

		if winner.IsTombstone() && !it.keepTombstones {
			continue
		}
		return winner, nil
	}
	return nil, nil
}

// Close closes every source that implements io.Closer. Calling it again is
// a no-op.
func (it *Iterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	it.heap = nil

	var errs []error
	for _, src := range it.sources {
		if c, ok := src.Iter.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
