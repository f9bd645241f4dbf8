package sstable

import "lsmkv/internal/common"

// RangeIterator walks a contiguous slice of a table's index, decoding one
// record per Next. Entries are copied out of the mapping.
type RangeIterator struct {
	table  *Table
	pos    int
	end    int
	err    error
	closed bool
}

var _ common.EntryIterator = (*RangeIterator)(nil)

// Next returns the next entry, or nil once the range is exhausted. The
// table reference is dropped as soon as the range is exhausted or fails.
func (it *RangeIterator) Next() (*common.Entry, error) {
	if it.err != nil {
		return nil, it.err
	}
	if it.pos >= it.end {
		it.Close()
		return nil, nil
	}

	entry, err := it.table.recordAt(it.pos)
	if err != nil {
		it.fail(err)
		return nil, err
	}
	it.pos++
	return entry.Clone(), nil
}

func (it *RangeIterator) fail(err error) {
	it.err = err
	it.Close()
}

// Close releases the iterator's table reference. Safe to call multiple times.
func (it *RangeIterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	it.pos = it.end
	return it.table.Unref()
}
