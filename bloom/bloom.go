// Package bloom implements a fixed-size bloom filter over raw byte strings,
// using a murmur3-seeded hash family so that serialized filters are portable
// across processes sharing the same size and hash count.
package bloom

import (
	"github.com/spaolacci/murmur3"
)

// DefaultHashCount is used when a caller doesn't have a specific hash-count
// in mind; 7 is a reasonable k for the ~1% false-positive regime the teacher
// targeted in sstable/filter/filter.go.
const DefaultHashCount = 7

// Filter is a fixed-byte-size bloom filter. Unlike an n/p-estimated filter,
// its bitset size is a hard parameter (spec: "bloom_size" is fixed per
// blob), not derived from an expected entry count.
type Filter struct {
	bits  []byte
	k     int
	nbits uint64
}

// New allocates a filter backed by sizeBytes of bitset and k hash functions.
func New(sizeBytes int, k int) *Filter {
	if sizeBytes <= 0 {
		sizeBytes = 1
	}
	if k <= 0 {
		k = DefaultHashCount
	}
	return &Filter{
		bits:  make([]byte, sizeBytes),
		k:     k,
		nbits: uint64(sizeBytes) * 8,
	}
}

// FromBytes wraps an existing serialized bitset (e.g. read from a chunk-meta
// entry) without copying semantics beyond what the caller already owns.
func FromBytes(data []byte, k int) *Filter {
	if k <= 0 {
		k = DefaultHashCount
	}
	return &Filter{
		bits:  data,
		k:     k,
		nbits: uint64(len(data)) * 8,
	}
}

func (f *Filter) indices(key []byte) []uint64 {
	idx := make([]uint64, f.k)
	h1, h2 := murmur3.Sum128WithSeed(key, 0)
	for i := 0; i < f.k; i++ {
		combined := h1 + uint64(i)*h2
		idx[i] = combined % f.nbits
	}
	return idx
}

// Add records key's presence in the filter.
func (f *Filter) Add(key []byte) {
	for _, i := range f.indices(key) {
		f.bits[i/8] |= 1 << (i % 8)
	}
}

// Check reports whether key may be present. It never returns a false
// negative: if Add(key) was ever called, Check(key) is always true.
func (f *Filter) Check(key []byte) bool {
	for _, i := range f.indices(key) {
		if f.bits[i/8]&(1<<(i%8)) == 0 {
			return false
		}
	}
	return true
}

// Bytes returns the filter's raw bitset, suitable for the chunk-meta file's
// bloom_bytes[bloom_size] field.
func (f *Filter) Bytes() []byte { return f.bits }

// Size returns the bitset size in bytes.
func (f *Filter) Size() int { return len(f.bits) }
