package sstable

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"

	"lsmkv/internal/common"
	"lsmkv/internal/filter"
)

const (
	writeBufferSize = 64 * 1024
	maxPresizedKeys = 1 << 16
)

// WriteOptions tunes SSTable construction.
type WriteOptions struct {
	// ExpectedEntries is an upper-bound hint used to presize buffers. The
	// bloom filter is always sized for the entries actually written.
	ExpectedEntries uint64
	// FalsePositiveRate of the bloom filter. Zero means filter.DefaultFalsePositiveRate.
	FalsePositiveRate float64
	// Compacted marks the table as superseding every older generation.
	Compacted bool
}

// WriteResult contains metadata from writing an SSTable.
type WriteResult struct {
	Generation  common.Generation
	EntryCount  uint64
	SmallestKey []byte
	LargestKey  []byte
	DataBytes   uint64
	IndexBytes  uint64
	FilterBytes uint64
}

// Write writes generation gen into dir from a stream of strictly ascending
// entries. Tombstones are written as-is. On error every file of the
// generation is removed and nothing is left for Open to find.
func Write(dir string, gen common.Generation, entries common.EntryIterator, opts WriteOptions) (*WriteResult, error) {
	w, err := newTableWriter(dir, gen, opts)
	if err != nil {
		return nil, err
	}

	result, err := w.writeAll(entries)
	if cerr := w.closeFiles(); err == nil {
		err = cerr
	}
	if err != nil {
		w.removeFiles()
		return nil, err
	}
	if err := syncDir(dir); err != nil {
		w.removeFiles()
		return nil, err
	}
	return result, nil
}

type tableWriter struct {
	dir string
	gen common.Generation

	dataFile  *os.File
	indexFile *os.File
	data      *bufio.Writer
	index     *bufio.Writer
	keys      [][]byte
	fpRate    float64
	marker    byte
}

func newTableWriter(dir string, gen common.Generation, opts WriteOptions) (*tableWriter, error) {
	w := &tableWriter{dir: dir, gen: gen, marker: markerComplete}
	if opts.Compacted {
		w.marker = markerCompacted
	}

	var err error
	w.dataFile, err = os.OpenFile(common.DataPath(dir, gen), os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	w.indexFile, err = os.OpenFile(common.IndexPath(dir, gen), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		w.closeFiles()
		w.removeFiles()
		return nil, err
	}

	// The marker reaches disk before any buffered record does, so a torn
	// write is always recognizable as incomplete.
	if _, err := w.dataFile.Write([]byte{markerIncomplete}); err != nil {
		w.closeFiles()
		w.removeFiles()
		return nil, err
	}
	if err := w.dataFile.Sync(); err != nil {
		w.closeFiles()
		w.removeFiles()
		return nil, err
	}

	w.data = bufio.NewWriterSize(w.dataFile, writeBufferSize)
	w.index = bufio.NewWriterSize(w.indexFile, writeBufferSize)
	w.keys = make([][]byte, 0, min(opts.ExpectedEntries, maxPresizedKeys))
	w.fpRate = opts.FalsePositiveRate
	return w, nil
}

func (w *tableWriter) writeAll(entries common.EntryIterator) (*WriteResult, error) {
	result := &WriteResult{Generation: w.gen}

	offset := uint64(headerSize)

	var prev []byte
	for {
		entry, err := entries.Next()
		if err != nil {
			return nil, err
		}
		if entry == nil {
			break
		}
		if len(entry.Key) == 0 {
			return nil, fmt.Errorf("%w: empty key", ErrUnsorted)
		}
		if result.EntryCount > 0 && bytes.Compare(prev, entry.Key) >= 0 {
			return nil, fmt.Errorf("%w: %q after %q", ErrUnsorted, entry.Key, prev)
		}
		prev = append(prev[:0], entry.Key...)

		if result.EntryCount == 0 {
			result.SmallestKey = bytes.Clone(entry.Key)
		}

		if _, err := common.WriteUint64(w.index, offset); err != nil {
			return nil, err
		}
		n, err := entry.Encode(w.data)
		if err != nil {
			return nil, err
		}
		offset += uint64(n)
		w.keys = append(w.keys, bytes.Clone(entry.Key))
		result.EntryCount++
	}
	result.LargestKey = bytes.Clone(prev)
	result.DataBytes = offset
	result.IndexBytes = result.EntryCount * offsetSize

	if err := w.data.Flush(); err != nil {
		return nil, err
	}
	if err := w.index.Flush(); err != nil {
		return nil, err
	}
	if err := w.dataFile.Sync(); err != nil {
		return nil, err
	}
	if err := w.indexFile.Sync(); err != nil {
		return nil, err
	}

	filterBytes, err := w.writeFilter()
	if err != nil {
		return nil, err
	}
	result.FilterBytes = filterBytes

	// Commit point: the table is trusted from here on.
	if _, err := w.dataFile.WriteAt([]byte{w.marker}, 0); err != nil {
		return nil, err
	}
	if err := w.dataFile.Sync(); err != nil {
		return nil, err
	}
	return result, nil
}

func (w *tableWriter) writeFilter() (uint64, error) {
	f, err := os.OpenFile(common.FilterPath(w.dir, w.gen), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	bf := filter.NewBloomFilterForKeys(uint64(len(w.keys)), w.fpRate)
	for _, key := range w.keys {
		bf.Add(key)
	}

	bw := bufio.NewWriter(f)
	n, err := filter.WriteBloomFilter(bw, bf)
	if err == nil {
		err = bw.Flush()
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return uint64(n), err
}

func (w *tableWriter) closeFiles() error {
	var errs []error
	if w.dataFile != nil {
		errs = append(errs, w.dataFile.Close())
		w.dataFile = nil
	}
	if w.indexFile != nil {
		errs = append(errs, w.indexFile.Close())
		w.indexFile = nil
	}
	return errors.Join(errs...)
}

func (w *tableWriter) removeFiles() {
	removeGeneration(w.dir, w.gen)
}

// removeGeneration deletes every file of gen, ignoring missing ones.
func removeGeneration(dir string, gen common.Generation) error {
	var errs []error
	for _, path := range []string{
		common.DataPath(dir, gen),
		common.IndexPath(dir, gen),
		common.FilterPath(dir, gen),
	} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Remove deletes the files of a generation that is not open.
func Remove(dir string, gen common.Generation) error {
	return removeGeneration(dir, gen)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	err = d.Sync()
	if cerr := d.Close(); err == nil {
		err = cerr
	}
	return err
}
