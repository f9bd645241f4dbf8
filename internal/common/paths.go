package common

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	DataExt   = ".data"
	IndexExt  = ".index"
	FilterExt = ".filter"
)

// generationWidth keeps lexical directory order equal to generation order.
const generationWidth = 20

// GenerationName returns the zero-padded base name shared by a generation's files.
func GenerationName(gen Generation) string {
	return fmt.Sprintf("%0*d", generationWidth, uint64(gen))
}

// DataPath returns the data file path for an SSTable generation.
func DataPath(dir string, gen Generation) string {
	return filepath.Join(dir, GenerationName(gen)+DataExt)
}

// IndexPath returns the index file path for an SSTable generation.
func IndexPath(dir string, gen Generation) string {
	return filepath.Join(dir, GenerationName(gen)+IndexExt)
}

// FilterPath returns the bloom filter file path for an SSTable generation.
func FilterPath(dir string, gen Generation) string {
	return filepath.Join(dir, GenerationName(gen)+FilterExt)
}

// ParseGenerationFile splits a file name like "00000000000000000007.data"
// into its generation and extension. ok is false for unrelated files.
func ParseGenerationFile(name string) (gen Generation, ext string, ok bool) {
	ext = filepath.Ext(name)
	switch ext {
	case DataExt, IndexExt, FilterExt:
	default:
		return 0, "", false
	}
	n, err := strconv.ParseUint(strings.TrimSuffix(name, ext), 10, 64)
	if err != nil {
		return 0, "", false
	}
	return Generation(n), ext, true
}
