// Package rcache implements the per-chunk sparse range cache: a sorted map
// from key to uncompressed byte offset, used to bound forward scanning
// during a chunk read. Grounded on the sparse-index-plus-binary-search shape
// of sstable/reader.go's indexRecords (sort.Search over a slice of
// (last-key, offset) pairs), generalized from "every block" to "every
// step-th record".
package rcache

import (
	"sort"

	"github.com/amrmurad1/smackblob/recordkey"
)

// Entry is one sparse rcache record: a key and the uncompressed byte offset
// at which it starts.
type Entry struct {
	Key    recordkey.Key
	Offset uint64
}

// Sparse is the ordered set of Entry records for one chunk.
type Sparse struct {
	entries []Entry
}

// New creates an empty Sparse rcache.
func New() *Sparse { return &Sparse{} }

// Step returns how many records apart rcache entries should be placed so
// that the total stays within budget: ceil(num / budget).
func Step(num, budget int) int {
	if budget <= 0 {
		budget = 1
	}
	if num <= 0 {
		return 1
	}
	step := (num + budget - 1) / budget
	if step < 1 {
		step = 1
	}
	return step
}

// Add appends an entry. Callers must add entries in increasing key order
// (the order records are written/replayed in).
func (s *Sparse) Add(key recordkey.Key, offset uint64) {
	s.entries = append(s.entries, Entry{Key: key, Offset: offset})
}

// Len reports how many sparse entries are stored.
func (s *Sparse) Len() int { return len(s.entries) }

// Find implements the spec's three-way rule: the offset is an upper bound
// on where key could be found, used to cap forward scanning.
//
//   - Find returns (0, false) if key is outside [start, end].
//   - Otherwise, it returns the offset of the first rcache entry strictly
//     greater than key, or uncompressedSize if key lies beyond the last
//     rcache entry but still within [start, end].
func Find(s *Sparse, key, start, end recordkey.Key, uncompressedSize uint64) (uint64, bool) {
	if key.Less(start) || end.Less(key) {
		return 0, false
	}
	idx := sort.Search(len(s.entries), func(i int) bool {
		return key.Less(s.entries[i].Key)
	})
	if idx == len(s.entries) {
		return uncompressedSize, true
	}
	return s.entries[idx].Offset, true
}
