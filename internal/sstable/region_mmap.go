//go:build unix

package sstable

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// mmapRegion serves reads straight from a read-only shared mapping.
type mmapRegion struct {
	data []byte
}

// mapRegion maps f and closes it; the mapping outlives the descriptor.
func mapRegion(f *os.File, size int64) (region, error) {
	defer f.Close()
	if int64(int(size)) != size {
		return nil, fmt.Errorf("sstable: %s too large to map (%d bytes)", f.Name(), size)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", f.Name(), err)
	}
	return &mmapRegion{data: data}, nil
}

func (r *mmapRegion) bytesAt(off, n int64) ([]byte, error) {
	if err := checkBounds(off, n, int64(len(r.data))); err != nil {
		return nil, err
	}
	return r.data[off : off+n : off+n], nil
}

func (r *mmapRegion) size() int64 {
	return int64(len(r.data))
}

func (r *mmapRegion) close() error {
	data := r.data
	r.data = nil
	return unix.Munmap(data)
}
