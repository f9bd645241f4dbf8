package sstable

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"lsmkv/internal/common"
	"lsmkv/internal/filter"
)

// OpenOptions tunes how a table's files are accessed.
type OpenOptions struct {
	// DisableMmap serves reads with pread instead of a memory mapping.
	DisableMmap bool
}

// Table provides random and range access to one immutable SSTable
// generation. It is reference counted: the opener holds the first
// reference, and the files are unmapped when the last one is dropped.
type Table struct {
	dir    string
	gen    common.Generation
	data   region
	index  region
	filter filter.Filter
	count  int

	compacted bool

	dataBytes   int64
	indexBytes  int64
	filterBytes int64

	smallestKey []byte
	largestKey  []byte

	refs     atomic.Int32
	obsolete atomic.Bool
}

// Open opens generation gen in dir and validates its files. A table whose
// completion marker is unset fails with ErrIncomplete; any other
// inconsistency fails with ErrCorrupted.
func Open(dir string, gen common.Generation, opts OpenOptions) (*Table, error) {
	t := &Table{dir: dir, gen: gen}

	var err error
	t.data, err = openRegion(common.DataPath(dir, gen), !opts.DisableMmap)
	if err != nil {
		return nil, err
	}
	t.index, err = openRegion(common.IndexPath(dir, gen), !opts.DisableMmap)
	if err != nil {
		t.release()
		return nil, err
	}

	if err := t.validate(); err != nil {
		t.release()
		return nil, fmt.Errorf("generation %d: %w", gen, err)
	}

	t.filter, t.filterBytes, err = loadFilter(common.FilterPath(dir, gen))
	if err != nil {
		t.release()
		return nil, fmt.Errorf("generation %d: %w", gen, err)
	}

	t.dataBytes = t.data.size()
	t.indexBytes = t.index.size()
	t.refs.Store(1)
	return t, nil
}

func (t *Table) validate() error {
	// A crash between creating the file and syncing the marker leaves it
	// empty. Nothing in it was ever committed.
	if t.data.size() < headerSize {
		return fmt.Errorf("%w: data file is empty", ErrIncomplete)
	}
	marker, err := t.data.bytesAt(0, headerSize)
	if err != nil {
		return err
	}
	switch marker[0] {
	case markerComplete:
	case markerCompacted:
		t.compacted = true
	case markerIncomplete:
		return ErrIncomplete
	default:
		return fmt.Errorf("%w: unknown marker %d", ErrCorrupted, marker[0])
	}

	if t.index.size()%offsetSize != 0 {
		return fmt.Errorf("%w: index size %d is not a multiple of %d", ErrCorrupted, t.index.size(), offsetSize)
	}
	t.count = int(t.index.size() / offsetSize)

	if t.count == 0 {
		if t.data.size() != headerSize {
			return fmt.Errorf("%w: %d data bytes but no index entries", ErrCorrupted, t.data.size()-headerSize)
		}
		return nil
	}

	prev := int64(-1)
	for i := 0; i < t.count; i++ {
		off, err := t.offsetAt(i)
		if err != nil {
			return err
		}
		switch {
		case i == 0 && off != headerSize:
			return fmt.Errorf("%w: first record at offset %d", ErrCorrupted, off)
		case off <= prev:
			return fmt.Errorf("%w: index entry %d (%d) not after %d", ErrCorrupted, i, off, prev)
		case off >= t.data.size():
			return fmt.Errorf("%w: index entry %d (%d) past data end %d", ErrCorrupted, i, off, t.data.size())
		}
		prev = off
	}

	// The last record must end exactly at the end of the data file.
	first, err := t.recordAt(0)
	if err != nil {
		return err
	}
	last, err := t.recordAt(t.count - 1)
	if err != nil {
		return err
	}
	t.smallestKey = bytes.Clone(first.Key)
	t.largestKey = bytes.Clone(last.Key)
	return nil
}

func loadFilter(path string) (filter.Filter, int64, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return filter.NewNoOpFilter(), 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, 0, err
	}
	bf, err := filter.ReadBloomFilter(bufio.NewReader(f))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: filter: %v", ErrCorrupted, err)
	}
	return bf, stat.Size(), nil
}

func (t *Table) offsetAt(i int) (int64, error) {
	buf, err := t.index.bytesAt(int64(i)*offsetSize, offsetSize)
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(buf)), nil
}

// recordAt decodes record i. The returned entry may alias the mapping.
func (t *Table) recordAt(i int) (*common.Entry, error) {
	start, err := t.offsetAt(i)
	if err != nil {
		return nil, err
	}
	end := t.data.size()
	if i+1 < t.count {
		if end, err = t.offsetAt(i + 1); err != nil {
			return nil, err
		}
	}

	buf, err := t.data.bytesAt(start, end-start)
	if err != nil {
		return nil, err
	}
	entry, n, err := common.DecodeEntryAt(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: record %d at offset %d: %v", ErrCorrupted, i, start, err)
	}
	if n != len(buf) {
		return nil, fmt.Errorf("%w: record %d at offset %d is %d bytes, index allows %d", ErrCorrupted, i, start, n, len(buf))
	}
	return entry, nil
}

// lowerBound returns the first index position whose key is >= key.
func (t *Table) lowerBound(key []byte) (int, error) {
	lo, hi := 0, t.count
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		entry, err := t.recordAt(mid)
		if err != nil {
			return 0, err
		}
		if bytes.Compare(entry.Key, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, nil
}

// Get looks up key. Tombstones are returned with found=true; the caller
// decides what a deletion means.
func (t *Table) Get(key []byte) (*common.Entry, bool, error) {
	if !t.Ref() {
		return nil, false, ErrClosed
	}
	defer t.Unref()

	if !t.filter.MayContain(key) {
		return nil, false, nil
	}

	left, right := 0, t.count
	for left < right {
		mid := int(uint(left+right) >> 1)
		entry, err := t.recordAt(mid)
		if err != nil {
			return nil, false, err
		}
		cmp := bytes.Compare(key, entry.Key)
		if cmp == 0 {
			return entry.Clone(), true, nil
		} else if cmp < 0 {
			right = mid
		} else {
			left = mid + 1
		}
	}
	return nil, false, nil
}

// Range returns an iterator over entries with from <= key < to. Empty
// bounds are unbounded. The iterator holds a reference on the table until
// it is exhausted or closed.
func (t *Table) Range(from, to []byte) *RangeIterator {
	if !t.Ref() {
		return &RangeIterator{err: ErrClosed, closed: true}
	}
	it := &RangeIterator{table: t}

	start, end := 0, t.count
	var err error
	if len(from) > 0 {
		if start, err = t.lowerBound(from); err != nil {
			it.fail(err)
			return it
		}
	}
	if len(to) > 0 {
		if end, err = t.lowerBound(to); err != nil {
			it.fail(err)
			return it
		}
	}
	if end < start {
		end = start
	}
	it.pos, it.end = start, end
	return it
}

// Iterator returns an iterator over every entry in the table.
func (t *Table) Iterator() *RangeIterator {
	return t.Range(nil, nil)
}

// Ref takes a reference. It fails once the table has been released.
func (t *Table) Ref() bool {
	for {
		n := t.refs.Load()
		if n <= 0 {
			return false
		}
		if t.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Unref drops a reference. Dropping the last one unmaps the files and, if
// the table was marked obsolete, deletes them.
func (t *Table) Unref() error {
	n := t.refs.Add(-1)
	switch {
	case n > 0:
		return nil
	case n < 0:
		panic(fmt.Sprintf("sstable: generation %d unreferenced too many times", t.gen))
	}

	err := t.release()
	if t.obsolete.Load() {
		err = errors.Join(err, removeGeneration(t.dir, t.gen))
	}
	return err
}

// Close drops the opener's reference.
func (t *Table) Close() error {
	return t.Unref()
}

// MarkObsolete arranges for the files to be deleted with the last reference.
func (t *Table) MarkObsolete() {
	t.obsolete.Store(true)
}

func (t *Table) release() error {
	var errs []error
	if t.data != nil {
		errs = append(errs, t.data.close())
		t.data = nil
	}
	if t.index != nil {
		errs = append(errs, t.index.close())
		t.index = nil
	}
	return errors.Join(errs...)
}

func (t *Table) Generation() common.Generation {
	return t.gen
}

// Compacted reports whether the table supersedes every older generation.
func (t *Table) Compacted() bool {
	return t.compacted
}

// Len returns the number of entries, tombstones included.
func (t *Table) Len() int {
	return t.count
}

func (t *Table) SmallestKey() []byte {
	return t.smallestKey
}

func (t *Table) LargestKey() []byte {
	return t.largestKey
}

// Filter returns the table's key filter.
func (t *Table) Filter() filter.Filter {
	return t.filter
}

// Size returns the on-disk size of all of the table's files.
func (t *Table) Size() int64 {
	return t.dataBytes + t.indexBytes + t.filterBytes
}

// Paths returns the data, index and filter file paths.
func (t *Table) Paths() []string {
	return []string{
		common.DataPath(t.dir, t.gen),
		common.IndexPath(t.dir, t.gen),
		common.FilterPath(t.dir, t.gen),
	}
}
