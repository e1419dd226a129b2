// Package chunk implements the in-memory handle over one on-disk chunk: its
// control block, bloom filter, and sparse rcache, plus the key range it
// covers. Grounded on the packed-struct layout of shared/format.go
// (IndexRecord/Footer) and the filter-ownership pattern of
// sstable/filter/filter.go, adapted to the spec's chunk_ctl layout (§3, §4.3).
package chunk

import (
	"encoding/binary"
	"io"

	"github.com/amrmurad1/smackblob/bloom"
	"github.com/amrmurad1/smackblob/rcache"
	"github.com/amrmurad1/smackblob/recordkey"
)

// CtlSize is the on-disk size of a chunk_ctl entry: 3 uint64 + 2 int32.
const CtlSize = 8 + 8 + 8 + 4 + 4

// Ctl is the persisted chunk control block.
type Ctl struct {
	DataOffset       uint64
	CompressedSize   uint64
	UncompressedSize uint64
	Num              int32
	BloomSize        int32
}

// Encode writes the packed little-endian chunk_ctl.
func (c Ctl) Encode(w io.Writer) error {
	var buf [CtlSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], c.DataOffset)
	binary.LittleEndian.PutUint64(buf[8:16], c.CompressedSize)
	binary.LittleEndian.PutUint64(buf[16:24], c.UncompressedSize)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(c.Num))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(c.BloomSize))
	_, err := w.Write(buf[:])
	return err
}

// DecodeCtl reads a packed little-endian chunk_ctl.
func DecodeCtl(r io.Reader) (Ctl, error) {
	var buf [CtlSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Ctl{}, err
	}
	return Ctl{
		DataOffset:       binary.LittleEndian.Uint64(buf[0:8]),
		CompressedSize:   binary.LittleEndian.Uint64(buf[8:16]),
		UncompressedSize: binary.LittleEndian.Uint64(buf[16:24]),
		Num:              int32(binary.LittleEndian.Uint32(buf[24:28])),
		BloomSize:        int32(binary.LittleEndian.Uint32(buf[28:32])),
	}, nil
}

// Chunk is the in-memory metadata handle over one on-disk chunk. The blob's
// sorted map and unsorted slice hold chunks by pointer, not by value; each
// chunk owns its bloom and rcache buffers outright, referencing its data only
// by position (DataOffset) in the owning blob store.
type Chunk struct {
	Start  recordkey.Key
	End    recordkey.Key
	Ctl    Ctl
	Bloom  *bloom.Filter
	RCache *rcache.Sparse
}

// RCacheFind bounds a forward scan for key within this chunk, per spec §4.3.
func (c *Chunk) RCacheFind(key recordkey.Key) (uint64, bool) {
	return rcache.Find(c.RCache, key, c.Start, c.End, c.Ctl.UncompressedSize)
}

// Contains reports whether key falls within [Start, End] inclusive. It does
// not consult the bloom filter; callers combine Contains with bloom checks
// as appropriate for sorted vs. unsorted chunk probing.
func (c *Chunk) Contains(key recordkey.Key) bool {
	return !key.Less(c.Start) && !c.End.Less(key)
}
