package bitmap

import (
	"fmt"
	"io"
	"math/bits"

	"lsmkv/internal/common"
)

// bitmapImpl stores bit i in data[i/8] at bit position i%8.
type bitmapImpl struct {
	data    []byte
	numBits uint64
}

var _ Bitmap = (*bitmapImpl)(nil)

// NewBitmap creates a zeroed bitmap with the specified number of bits.
func NewBitmap(numBits uint64) Bitmap {
	return &bitmapImpl{
		data:    make([]byte, byteLen(numBits)),
		numBits: numBits,
	}
}

// NewBitmapFromBytes wraps data as a bitmap of numBits bits. data is used
// directly; short input is zero-extended.
func NewBitmapFromBytes(numBits uint64, data []byte) Bitmap {
	need := byteLen(numBits)
	if uint64(len(data)) < need {
		grown := make([]byte, need)
		copy(grown, data)
		data = grown
	}
	return &bitmapImpl{data: data[:need], numBits: numBits}
}

func byteLen(numBits uint64) uint64 {
	return (numBits + 7) / 8
}

func (b *bitmapImpl) locate(i uint64) (uint64, byte) {
	if i >= b.numBits {
		panic(fmt.Sprintf("bitmap: index %d out of range [0, %d)", i, b.numBits))
	}
	return i / 8, 1 << (i % 8)
}

func (b *bitmapImpl) Add(i uint64) {
	idx, mask := b.locate(i)
	b.data[idx] |= mask
}

func (b *bitmapImpl) Remove(i uint64) {
	idx, mask := b.locate(i)
	b.data[idx] &^= mask
}

func (b *bitmapImpl) Contains(i uint64) bool {
	idx, mask := b.locate(i)
	return b.data[idx]&mask != 0
}

func (b *bitmapImpl) Len() uint64 {
	return b.numBits
}

func (b *bitmapImpl) Count() uint64 {
	var n int
	for _, v := range b.data {
		n += bits.OnesCount8(v)
	}
	return uint64(n)
}

func (b *bitmapImpl) Bytes() []byte {
	return b.data
}

// WriteBitmap serializes a bitmap to a writer.
// Format: [8 bytes: numBits][data bytes]
// Returns the number of bytes written.
func WriteBitmap(w io.Writer, b Bitmap) (int, error) {
	total, err := common.WriteUint64(w, b.Len())
	if err != nil {
		return total, err
	}
	n, err := common.WriteBytes(w, b.Bytes())
	return total + n, err
}

// ReadBitmap deserializes a bitmap written by WriteBitmap.
func ReadBitmap(r io.Reader) (Bitmap, error) {
	numBits, err := common.ReadUint64(r)
	if err != nil {
		return nil, err
	}
	data, err := common.ReadBytes(r, byteLen(numBits))
	if err != nil {
		return nil, err
	}
	return NewBitmapFromBytes(numBits, data), nil
}
