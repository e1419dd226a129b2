package codec

import (
	"io"

	"github.com/klauspost/compress/s2"
)

// S2Codec is the default Codec, streaming through klauspost/compress/s2 —
// the same library the teacher uses for sstable block compression
// (sstable/writer.go, sstable/compactor.go), here driven in streaming mode
// (s2.NewWriter/s2.NewReader) instead of whole-block s2.Encode/s2.Decode,
// since a chunk's record count isn't known up front.
type S2Codec struct{}

// NewS2Codec returns the default klauspost/compress/s2-backed codec.
func NewS2Codec() *S2Codec { return &S2Codec{} }

func (S2Codec) NewCompressor(w io.Writer) Compressor {
	return s2.NewWriter(w)
}

func (S2Codec) NewDecompressor(r io.Reader) Decompressor {
	return s2.NewReader(r)
}
