package filter

import (
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"math"

	"lsmkv/internal/bitmap"
	"lsmkv/internal/common"
)

// DefaultFalsePositiveRate is used when the caller does not pick one.
const DefaultFalsePositiveRate = 0.01

// bloomFilter implements a space-efficient probabilistic data structure
// for set membership testing with no false negatives.
type bloomFilter struct {
	bitmap bitmap.Bitmap
	k      uint32 // number of hash functions
	m      uint64 // number of bits in bitmap
}

var _ Builder = (*bloomFilter)(nil)

// OptimalBloomFilterParams computes optimal bloom filter parameters.
// n: expected number of elements to insert
// p: desired false positive rate (e.g., 0.01 for 1%)
// Returns: k (number of hash functions), m (number of bits)
func OptimalBloomFilterParams(n uint64, p float64) (k uint32, m uint64) {
	if n < 1 {
		n = 1
	}
	if p <= 0 || p >= 1 {
		p = DefaultFalsePositiveRate
	}

	// m = -n * ln(p) / (ln(2)^2)
	m = uint64(math.Ceil(-float64(n) * math.Log(p) / (math.Ln2 * math.Ln2)))

	// k = (m/n) * ln(2)
	k = uint32(math.Ceil(float64(m) / float64(n) * math.Ln2))
	if k < 1 {
		k = 1
	}

	return k, m
}

// NewBloomFilter creates an empty bloom filter with k hash functions over m bits.
func NewBloomFilter(k uint32, m uint64) Builder {
	if m == 0 {
		m = 1
	}
	return &bloomFilter{
		bitmap: bitmap.NewBitmap(m),
		k:      k,
		m:      m,
	}
}

// NewBloomFilterForKeys sizes a filter for n keys at false positive rate p.
func NewBloomFilterForKeys(n uint64, p float64) Builder {
	k, m := OptimalBloomFilterParams(n, p)
	return NewBloomFilter(k, m)
}

// NewBloomFilterFromBytes reconstructs a bloom filter from serialized data.
func NewBloomFilterFromBytes(k uint32, m uint64, data []byte) Filter {
	return &bloomFilter{
		bitmap: bitmap.NewBitmapFromBytes(m, data),
		k:      k,
		m:      m,
	}
}

// Add inserts a key into the bloom filter.
func (bf *bloomFilter) Add(key []byte) {
	h1, h2 := bf.hash(key)
	for i := uint32(0); i < bf.k; i++ {
		bf.bitmap.Add((h1 + uint64(i)*h2) % bf.m)
	}
}

// MayContain returns true if the key might be in the set.
// Returns false if the key is definitely NOT in the set.
func (bf *bloomFilter) MayContain(key []byte) bool {
	h1, h2 := bf.hash(key)
	for i := uint32(0); i < bf.k; i++ {
		if !bf.bitmap.Contains((h1 + uint64(i)*h2) % bf.m) {
			return false
		}
	}
	return true
}

// hash computes two hash values using FNV-1a for double hashing.
func (bf *bloomFilter) hash(key []byte) (uint64, uint64) {
	h1 := fnv.New64a()
	h1.Write(key)
	hash1 := h1.Sum64()

	h2 := fnv.New64a()
	h2.Write(key)
	h2.Write([]byte{0x01})
	hash2 := h2.Sum64()

	// A zero step would hit the same bit k times.
	if hash2 == 0 {
		hash2 = 1
	}

	return hash1, hash2
}

// Stats describes a bloom filter's parameters and fill ratio.
type Stats struct {
	HashFunctions uint32
	Bits          uint64
	SetBits       uint64
}

// Describe returns the parameters of f, or ok=false if f is not a bloom filter.
func Describe(f Filter) (Stats, bool) {
	bf, ok := f.(*bloomFilter)
	if !ok {
		return Stats{}, false
	}
	return Stats{HashFunctions: bf.k, Bits: bf.m, SetBits: bf.bitmap.Count()}, true
}

var errNotBloomFilter = errors.New("filter: not a bloom filter")

// WriteBloomFilter serializes a bloom filter to a writer.
// Format: [k: uint32][m: uint64][bitmap data: []byte]
func WriteBloomFilter(w io.Writer, f Filter) (int, error) {
	bf, ok := f.(*bloomFilter)
	if !ok {
		return 0, errNotBloomFilter
	}
	total := 0

	n, err := common.WriteUint32(w, bf.k)
	total += n
	if err != nil {
		return total, err
	}

	n, err = common.WriteUint64(w, bf.m)
	total += n
	if err != nil {
		return total, err
	}

	n, err = common.WriteBytes(w, bf.bitmap.Bytes())
	total += n
	return total, err
}

// ReadBloomFilter deserializes a bloom filter from a reader.
func ReadBloomFilter(r io.Reader) (Filter, error) {
	k, err := common.ReadUint32(r)
	if err != nil {
		return nil, err
	}
	m, err := common.ReadUint64(r)
	if err != nil {
		return nil, err
	}
	if k == 0 || m == 0 {
		return nil, fmt.Errorf("filter: invalid parameters k=%d m=%d", k, m)
	}

	data, err := common.ReadBytes(r, (m+7)/8)
	if err != nil {
		return nil, err
	}

	return NewBloomFilterFromBytes(k, m, data), nil
}
