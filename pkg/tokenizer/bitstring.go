package tokenizer

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/bits-and-blooms/bitset"
)

// resolvedListWidth is the fixed width of every resolved-list and
// per-requester resolution bitstring, regardless of a batch's
// maxTokenCount. Extending beyond this width requires widening every
// stored resolution record, so it is not a runtime parameter.
const resolvedListWidth = 256

// bitString is the live, mutable form of a resolved-list or per-requester
// resolution bitstring: a fixed-width [32]byte equivalent backed by
// bits-and-blooms/bitset for bit-level get/set, round-tripping bit-exact
// on the wire without mandating a particular in-memory representation.
type bitString struct {
	bits *bitset.BitSet
}

// newBitString returns an all-zero bitstring of resolvedListWidth bits.
func newBitString() *bitString {
	return &bitString{bits: bitset.New(resolvedListWidth)}
}

// Test reports whether bit i is set. i must be in [0, resolvedListWidth).
func (b *bitString) Test(i int) bool {
	return b.bits.Test(uint(i))
}

// Set sets bit i. i must be in [0, resolvedListWidth).
func (b *bitString) Set(i int) {
	b.bits.Set(uint(i))
}

// Clone returns an independent copy.
func (b *bitString) Clone() *bitString {
	return &bitString{bits: b.bits.Clone()}
}

// Marshal compresses the bitstring into roaring-bitmap wire bytes. The
// compression step is an implementation detail: any encoding is valid as
// long as unmarshal is its exact inverse.
func (b *bitString) Marshal() ([]byte, error) {
	rb := roaring.New()
	for i, e := b.bits.NextSet(0); e; i, e = b.bits.NextSet(i + 1) {
		rb.Add(uint32(i))
	}
	buf, err := rb.ToBytes()
	if err != nil {
		return nil, fmt.Errorf("tokenizer: marshal bitstring: %w", err)
	}
	return buf, nil
}

// unmarshalBitString decompresses bytes produced by Marshal (or an empty
// slice/nil, representing an all-zero bitstring) back into a bitString.
func unmarshalBitString(data []byte) (*bitString, error) {
	b := newBitString()
	if len(data) == 0 {
		return b, nil
	}
	rb := roaring.New()
	if err := rb.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("tokenizer: unmarshal bitstring: %w", err)
	}
	it := rb.Iterator()
	for it.HasNext() {
		v := it.Next()
		if v >= resolvedListWidth {
			return nil, fmt.Errorf("tokenizer: unmarshal bitstring: index %d out of range", v)
		}
		b.bits.Set(uint(v))
	}
	return b, nil
}
