package common

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Generation identifies an SSTable. Higher generations are newer.
type Generation uint64

// EntryType enumerates logical operations flowing through the memtable,
// the merge iterator, and SSTable components.
type EntryType uint8

const (
	EntryTypePut EntryType = iota
	EntryTypeDelete
)

func (t EntryType) String() string {
	switch t {
	case EntryTypePut:
		return "PUT"
	case EntryTypeDelete:
		return "DEL"
	default:
		return fmt.Sprintf("EntryType(%d)", uint8(t))
	}
}

// Entry is a single key mutation. A Delete entry is a tombstone and carries
// no value; a Put entry with an empty value is a regular value.
type Entry struct {
	Type  EntryType
	Key   []byte
	Value []byte
}

// NewPut returns a put entry for key and value.
func NewPut(key, value []byte) *Entry {
	return &Entry{Type: EntryTypePut, Key: key, Value: value}
}

// NewDelete returns a tombstone for key.
func NewDelete(key []byte) *Entry {
	return &Entry{Type: EntryTypeDelete, Key: key}
}

// IsTombstone reports whether the entry marks a deletion.
func (e *Entry) IsTombstone() bool {
	return e.Type == EntryTypeDelete
}

// Clone returns a deep copy of the entry. Put values are never nil in the copy.
func (e *Entry) Clone() *Entry {
	out := &Entry{Type: e.Type, Key: bytes.Clone(e.Key)}
	if e.Type == EntryTypePut {
		out.Value = append([]byte{}, e.Value...)
	}
	return out
}

// EntryIterator produces a stream of entries. Next returns nil when the stream
// is exhausted. Iterators holding resources also implement io.Closer.
type EntryIterator interface {
	Next() (*Entry, error)
}

// SliceIterator iterates over an in-memory, already ordered slice.
type SliceIterator struct {
	entries []*Entry
	index   int
}

// NewSliceIterator returns an iterator over entries.
func NewSliceIterator(entries []*Entry) *SliceIterator {
	return &SliceIterator{entries: entries}
}

func (it *SliceIterator) Next() (*Entry, error) {
	if it.index >= len(it.entries) {
		return nil, nil
	}
	entry := it.entries[it.index]
	it.index++
	return entry, nil
}

// Record Layout:
//
// ┌──────────────────┐
// │    tombstone     │  uint8 - 1 for deletions, 0 otherwise
// ├──────────────────┤
// │      keyLen      │  uint32
// ├──────────────────┤
// │       key        │  []byte
// ├──────────────────┤
// │     valueLen     │  uint32  (absent for tombstones)
// ├──────────────────┤
// │      value       │  []byte  (absent for tombstones)
// └──────────────────┘

const (
	recordFlagSize = 1
	recordLenSize  = 4
)

// ErrTruncatedRecord is returned when a record extends past the end of its buffer.
var ErrTruncatedRecord = errors.New("truncated record")

// EncodedSize returns the number of bytes Encode writes for the entry.
func (e *Entry) EncodedSize() int {
	n := recordFlagSize + recordLenSize + len(e.Key)
	if e.Type == EntryTypePut {
		n += recordLenSize + len(e.Value)
	}
	return n
}

// Encode writes an entry to the given writer and returns the bytes written.
func (e *Entry) Encode(w io.Writer) (int, error) {
	var hdr [recordFlagSize + recordLenSize]byte
	if e.Type == EntryTypeDelete {
		hdr[0] = 1
	}
	binary.LittleEndian.PutUint32(hdr[1:], uint32(len(e.Key)))

	total := 0
	n, err := w.Write(hdr[:])
	total += n
	if err != nil {
		return total, err
	}

	n, err = WriteBytes(w, e.Key)
	total += n
	if err != nil {
		return total, err
	}

	if e.Type == EntryTypeDelete {
		return total, nil
	}

	n, err = WriteUint32(w, uint32(len(e.Value)))
	total += n
	if err != nil {
		return total, err
	}

	n, err = WriteBytes(w, e.Value)
	total += n
	return total, err
}

// DecodeEntryAt decodes the record starting at buf[0] without copying.
// The returned slices alias buf. Returns the record length.
func DecodeEntryAt(buf []byte) (*Entry, int, error) {
	if len(buf) < recordFlagSize+recordLenSize {
		return nil, 0, ErrTruncatedRecord
	}
	flag := buf[0]
	if flag > 1 {
		return nil, 0, fmt.Errorf("invalid tombstone flag %d", flag)
	}
	pos := recordFlagSize
	keyLen := int(binary.LittleEndian.Uint32(buf[pos:]))
	pos += recordLenSize
	if keyLen > len(buf)-pos {
		return nil, 0, ErrTruncatedRecord
	}
	entry := &Entry{Type: EntryTypePut, Key: buf[pos : pos+keyLen : pos+keyLen]}
	pos += keyLen

	if flag == 1 {
		entry.Type = EntryTypeDelete
		return entry, pos, nil
	}

	if len(buf)-pos < recordLenSize {
		return nil, 0, ErrTruncatedRecord
	}
	valueLen := int(binary.LittleEndian.Uint32(buf[pos:]))
	pos += recordLenSize
	if valueLen > len(buf)-pos {
		return nil, 0, ErrTruncatedRecord
	}
	entry.Value = buf[pos : pos+valueLen : pos+valueLen]
	pos += valueLen
	return entry, pos, nil
}
