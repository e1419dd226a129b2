// Package codec defines the pluggable streaming compression contract the
// blob engine uses to write and read chunk bodies, and provides a default
// implementation backed by klauspost/compress/s2.
package codec

import "io"

// Compressor streams plain bytes in, compressed bytes out, through the
// underlying io.Writer it was constructed with. Close must be called to
// flush any buffered output; it does not close the underlying writer.
type Compressor interface {
	io.Writer
	Close() error
}

// Decompressor streams compressed bytes in (from the underlying io.Reader it
// was constructed with) and plain bytes out.
type Decompressor interface {
	io.Reader
}

// Codec constructs a matched Compressor/Decompressor pair. The engine's
// correctness requires only that Decode(Encode(x)) == x and that both ends
// can wrap an arbitrary byte sink/source (here, a view into an mmap-backed
// file starting at a chunk's data offset).
type Codec interface {
	NewCompressor(w io.Writer) Compressor
	NewDecompressor(r io.Reader) Decompressor
}
