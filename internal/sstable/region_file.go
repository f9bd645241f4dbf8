//go:build !unix

package sstable

import "os"

func mapRegion(f *os.File, size int64) (region, error) {
	return newFileRegion(f, size), nil
}
