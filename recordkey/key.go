// Package recordkey implements the fixed-width binary key used throughout
// the blob engine: a 64-byte identifier ordered lexicographically, carrying
// an embedded on-disk record descriptor (timestamp, data offset/size, flags).
package recordkey

import (
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"io"
)

// IDSize is the fixed width of a key's identifier in bytes.
const IDSize = 64

// DescriptorSize is the on-disk size of a record descriptor: id[64] +
// timestamp(8) + data_offset(8) + data_size(4) + flags(4).
const DescriptorSize = IDSize + 8 + 8 + 4 + 4

// Key is a 64-byte identifier plus the record descriptor fields that travel
// with it on disk. Ordering and equality only ever consider ID: the
// descriptor fields are payload, not part of the key's identity.
type Key struct {
	ID         [IDSize]byte
	Timestamp  uint64
	DataOffset uint64
	DataSize   uint32
	Flags      uint32
}

// New builds a Key from raw identifier bytes. A short id is zero-padded on
// the right; a long one is truncated to IDSize.
func New(id []byte) Key {
	var k Key
	copy(k.ID[:], id)
	return k
}

// NewFromString derives a Key's identifier by SHA-512 hashing s. SHA-512
// digests are exactly IDSize (64) bytes, so the hash is used whole.
func NewFromString(s string) Key {
	sum := sha512.Sum512([]byte(s))
	var k Key
	copy(k.ID[:], sum[:])
	return k
}

// Compare returns -1, 0, or 1 comparing a and b's identifiers lexicographically.
func Compare(a, b Key) int {
	for i := 0; i < IDSize; i++ {
		if a.ID[i] != b.ID[i] {
			if a.ID[i] < b.ID[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Less reports whether k sorts strictly before other.
func (k Key) Less(other Key) bool { return Compare(k, other) < 0 }

// Equal reports whether k and other share the same identifier.
func (k Key) Equal(other Key) bool { return Compare(k, other) == 0 }

// Hex returns a stable hex string representation of the identifier, for logs
// and error messages.
func (k Key) Hex() string { return hex.EncodeToString(k.ID[:]) }

// EncodeDescriptor writes the packed, little-endian record descriptor.
// Fields are written one at a time rather than via a single struct write:
// Go's struct layout may insert padding that the on-disk format forbids.
func (k Key) EncodeDescriptor(w io.Writer) error {
	var buf [DescriptorSize]byte
	copy(buf[0:IDSize], k.ID[:])
	binary.LittleEndian.PutUint64(buf[IDSize:IDSize+8], k.Timestamp)
	binary.LittleEndian.PutUint64(buf[IDSize+8:IDSize+16], k.DataOffset)
	binary.LittleEndian.PutUint32(buf[IDSize+16:IDSize+20], k.DataSize)
	binary.LittleEndian.PutUint32(buf[IDSize+20:IDSize+24], k.Flags)
	_, err := w.Write(buf[:])
	return err
}

// DecodeDescriptor reads a packed little-endian record descriptor into k.
func DecodeDescriptor(r io.Reader) (Key, error) {
	var buf [DescriptorSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Key{}, err
	}
	var k Key
	copy(k.ID[:], buf[0:IDSize])
	k.Timestamp = binary.LittleEndian.Uint64(buf[IDSize : IDSize+8])
	k.DataOffset = binary.LittleEndian.Uint64(buf[IDSize+8 : IDSize+16])
	k.DataSize = binary.LittleEndian.Uint32(buf[IDSize+16 : IDSize+20])
	k.Flags = binary.LittleEndian.Uint32(buf[IDSize+20 : IDSize+24])
	return k, nil
}
