package sstable

import (
	"fmt"
	"io"
	"os"
)

// region is read-only random access to one SSTable file. Slices returned by
// bytesAt may alias the mapping and are only valid until close.
type region interface {
	bytesAt(off, n int64) ([]byte, error)
	size() int64
	close() error
}

// fileRegion serves reads with pread on an open file.
type fileRegion struct {
	f *os.File
	n int64
}

func newFileRegion(f *os.File, size int64) *fileRegion {
	return &fileRegion{f: f, n: size}
}

func (r *fileRegion) bytesAt(off, n int64) ([]byte, error) {
	if err := checkBounds(off, n, r.n); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := r.f.ReadAt(buf, off); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("%w: short read at offset %d", ErrCorrupted, off)
		}
		return nil, err
	}
	return buf, nil
}

func (r *fileRegion) size() int64 {
	return r.n
}

func (r *fileRegion) close() error {
	return r.f.Close()
}

// emptyRegion stands in for zero-length files, which cannot be mapped.
type emptyRegion struct{}

func (emptyRegion) bytesAt(off, n int64) ([]byte, error) {
	if err := checkBounds(off, n, 0); err != nil {
		return nil, err
	}
	return nil, nil
}

func (emptyRegion) size() int64  { return 0 }
func (emptyRegion) close() error { return nil }

func checkBounds(off, n, size int64) error {
	if off < 0 || n < 0 || off > size || n > size-off {
		return fmt.Errorf("%w: range [%d, %d) outside file of %d bytes", ErrCorrupted, off, off+n, size)
	}
	return nil
}

// openRegion opens path read-only, mapping it into memory when useMmap is
// set and the platform supports it.
func openRegion(path string, useMmap bool) (region, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if stat.Size() == 0 {
		f.Close()
		return emptyRegion{}, nil
	}
	if !useMmap {
		return newFileRegion(f, stat.Size()), nil
	}
	return mapRegion(f, stat.Size())
}
