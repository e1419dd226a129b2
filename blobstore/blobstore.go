// Package blobstore owns one (.data, .chunk) mmap file pair for a blob and
// implements the chunk-level store/read/replay/copy operations that spec §4.4
// names. Grounded on sstable/writer.go (BlockWriter.Add/flushDataBlock/Finish
// -> StoreChunk), sstable/reader.go (Open/Get -> ReplayChunkMeta/ChunkRead)
// and sstable/compactor.go's decompress-and-insert-all loop (-> ReadChunk).
package blobstore

import (
	"io"

	"github.com/pkg/errors"

	"github.com/amrmurad1/smackblob/bloom"
	"github.com/amrmurad1/smackblob/chunk"
	"github.com/amrmurad1/smackblob/codec"
	"github.com/amrmurad1/smackblob/container/skiplist"
	"github.com/amrmurad1/smackblob/internal/logging"
	"github.com/amrmurad1/smackblob/mmapfile"
	"github.com/amrmurad1/smackblob/rcache"
	"github.com/amrmurad1/smackblob/recordkey"
)

// ErrCorruptChunkMeta reports that a chunk-meta entry could not be parsed in
// full — either the control block or its bloom tail was truncated, or the
// data file didn't have the bytes the control block advertised. Replay stops
// at the first such entry but keeps everything parsed before it.
var ErrCorruptChunkMeta = errors.New("blobstore: corrupt or truncated chunk-meta entry")

// Options configures a Store. BloomSizeBytes/BloomHashCount are fixed per
// blob (spec §4.1: "bloom_size is fixed per blob, not estimated"), so every
// chunk a Store creates shares them.
type Options struct {
	Codec          codec.Codec
	BloomSizeBytes int
	BloomHashCount int
	RCacheBudget   int
	Logger         logging.Logger
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Codec == nil {
		out.Codec = codec.NewS2Codec()
	}
	if out.BloomSizeBytes <= 0 {
		out.BloomSizeBytes = 4096
	}
	if out.BloomHashCount <= 0 {
		out.BloomHashCount = bloom.DefaultHashCount
	}
	if out.RCacheBudget <= 0 {
		out.RCacheBudget = 128
	}
	if out.Logger == nil {
		out.Logger = logging.Nop()
	}
	return out
}

// Store is one data-file/chunk-meta-file pair. A blob holds two (the active
// and shadow store) and flips between them on resort.
type Store struct {
	dataFile  *mmapfile.File
	chunkFile *mmapfile.File
	opts      Options
}

// Open opens or creates dataPath and chunkPath and wraps them as a Store.
func Open(dataPath, chunkPath string, opts Options) (*Store, error) {
	resolved := opts.withDefaults()

	data, err := mmapfile.Open(dataPath, 0)
	if err != nil {
		return nil, errors.Wrap(err, "blobstore: open data file")
	}
	chunkMeta, err := mmapfile.Open(chunkPath, 0)
	if err != nil {
		data.Close()
		return nil, errors.Wrap(err, "blobstore: open chunk-meta file")
	}

	return &Store{dataFile: data, chunkFile: chunkMeta, opts: resolved}, nil
}

// DataPath and ChunkPath report the paths the store's two files were opened
// at.
func (s *Store) DataPath() string  { return s.dataFile.Path() }
func (s *Store) ChunkPath() string { return s.chunkFile.Path() }

// Size reports the current logical size of the data file and the chunk-meta
// file, respectively.
func (s *Store) Size() (dataBytes, chunkBytes int64) {
	return s.dataFile.Size(), s.chunkFile.Size()
}

// Truncate resets both files to empty, used by resort when flipping onto the
// sibling store.
func (s *Store) Truncate() error {
	if err := s.dataFile.Truncate(0); err != nil {
		return errors.Wrap(err, "blobstore: truncate data file")
	}
	if err := s.chunkFile.Truncate(0); err != nil {
		return errors.Wrap(err, "blobstore: truncate chunk-meta file")
	}
	return nil
}

// Forget advises the OS to drop the pages backing both files, used on the
// store being vacated by resort.
func (s *Store) Forget() error {
	if err := s.dataFile.Forget(); err != nil {
		return err
	}
	return s.chunkFile.Forget()
}

// Close unmaps and closes both underlying files.
func (s *Store) Close() error {
	derr := s.dataFile.Close()
	cerr := s.chunkFile.Close()
	if derr != nil {
		return derr
	}
	return cerr
}

// offsetWriter adapts mmapfile.File's offset-addressed Write into a plain
// io.Writer that advances its own cursor, so a codec.Compressor can stream
// into an arbitrary tail position of the data file.
type offsetWriter struct {
	f   *mmapfile.File
	off int64
}

func (w *offsetWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p, w.off)
	w.off += int64(n)
	return n, err
}

// offsetReader adapts mmapfile.File's offset-addressed Read into a plain
// io.Reader bounded to [start, start+length), so a codec.Decompressor can
// stream from one chunk's compressed byte range without reading into the
// next chunk.
type offsetReader struct {
	f   *mmapfile.File
	off int64
	end int64
}

func (r *offsetReader) Read(p []byte) (int, error) {
	if r.off >= r.end {
		return 0, io.EOF
	}
	if remain := r.end - r.off; int64(len(p)) > remain {
		p = p[:remain]
	}
	n, err := r.f.Read(p, r.off)
	r.off += int64(n)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// appendChunkMeta appends one (ctl, bloom_bytes) entry to the chunk-meta
// file, in creation order, per spec §3 "chunk-meta file".
func (s *Store) appendChunkMeta(ctl chunk.Ctl, bloomBytes []byte) error {
	off := s.chunkFile.Size()
	w := &offsetWriter{f: s.chunkFile, off: off}
	if err := ctl.Encode(w); err != nil {
		return errors.Wrap(err, "blobstore: write chunk ctl")
	}
	if _, err := w.Write(bloomBytes); err != nil {
		return errors.Wrap(err, "blobstore: write chunk bloom bytes")
	}
	return nil
}

// WriteRaw appends already-compressed bytes to the end of the data file and
// returns the offset they were written at. It is the primitive CopyChunk
// uses to bulk-move a chunk's bytes between stores without re-compressing.
func (s *Store) WriteRaw(data []byte) (uint64, error) {
	off := s.dataFile.Size()
	if _, err := s.dataFile.Write(data, off); err != nil {
		return 0, errors.Wrap(err, "blobstore: write raw chunk bytes")
	}
	return uint64(off), nil
}

// StoreChunk consumes up to maxRecords entries from the front of cache
// (which must be ordered — skiplist.Map always is), compresses them as one
// chunk appended to the data file, and appends the chunk's control block and
// bloom bytes to the chunk-meta file. It returns the completed chunk and the
// key at position floor(num/2) of the records just written (the donor's
// split midpoint, spec §4.7); cache no longer contains the consumed entries.
func (s *Store) StoreChunk(cache *skiplist.Map[recordkey.Key, []byte], maxRecords int) (*chunk.Chunk, recordkey.Key, error) {
	num := cache.Len()
	if maxRecords > 0 && num > maxRecords {
		num = maxRecords
	}
	if num == 0 {
		return nil, recordkey.Key{}, errors.New("blobstore: StoreChunk called with empty cache")
	}

	startOffset := uint64(s.dataFile.Size())
	w := &offsetWriter{f: s.dataFile, off: int64(startOffset)}
	comp := s.opts.Codec.NewCompressor(w)

	filter := bloom.New(s.opts.BloomSizeBytes, s.opts.BloomHashCount)
	sparse := rcache.New()
	step := rcache.Step(num, s.opts.RCacheBudget)
	midIdx := num / 2

	var start, end, mid recordkey.Key
	var uncompressed uint64

	for i := 0; i < num; i++ {
		k, v, ok := cache.First()
		if !ok {
			return nil, recordkey.Key{}, errors.New("blobstore: StoreChunk: cache shrank mid-write")
		}
		cache.Delete(k)

		if i == 0 {
			start = k
		}
		if i == midIdx {
			mid = k
		}
		end = k

		if i%step == 0 {
			sparse.Add(k, uncompressed)
		}

		k.DataOffset = uncompressed
		k.DataSize = uint32(len(v))
		if err := k.EncodeDescriptor(comp); err != nil {
			return nil, recordkey.Key{}, errors.Wrap(err, "blobstore: StoreChunk: write descriptor")
		}
		if _, err := comp.Write(v); err != nil {
			return nil, recordkey.Key{}, errors.Wrap(err, "blobstore: StoreChunk: write value")
		}
		uncompressed += uint64(recordkey.DescriptorSize) + uint64(len(v))

		filter.Add(k.ID[:])
	}

	if err := comp.Close(); err != nil {
		return nil, recordkey.Key{}, errors.Wrap(err, "blobstore: StoreChunk: flush compressor")
	}
	compressedSize := uint64(w.off) - startOffset

	ctl := chunk.Ctl{
		DataOffset:       startOffset,
		CompressedSize:   compressedSize,
		UncompressedSize: uncompressed,
		Num:              int32(num),
		BloomSize:        int32(filter.Size()),
	}
	if err := s.appendChunkMeta(ctl, filter.Bytes()); err != nil {
		return nil, recordkey.Key{}, err
	}

	return &chunk.Chunk{
		Start:  start,
		End:    end,
		Ctl:    ctl,
		Bloom:  filter,
		RCache: sparse,
	}, mid, nil
}

// ReadChunk streams ch's entire body through the decompressor and inserts
// every (key, value) pair into outCache. Used by resort to coalesce a
// chunk's contents into the in-memory merge buffer.
func (s *Store) ReadChunk(ch *chunk.Chunk, outCache *skiplist.Map[recordkey.Key, []byte]) error {
	r := &offsetReader{f: s.dataFile, off: int64(ch.Ctl.DataOffset), end: int64(ch.Ctl.DataOffset + ch.Ctl.CompressedSize)}
	dec := s.opts.Codec.NewDecompressor(r)

	for i := int32(0); i < ch.Ctl.Num; i++ {
		desc, err := recordkey.DecodeDescriptor(dec)
		if err != nil {
			return errors.Wrap(err, "blobstore: ReadChunk: decode descriptor")
		}
		value := make([]byte, desc.DataSize)
		if _, err := io.ReadFull(dec, value); err != nil {
			return errors.Wrap(err, "blobstore: ReadChunk: read value")
		}
		outCache.Set(desc, value)
	}
	return nil
}

// ChunkRead looks up key inside one chunk: a bloom miss or an rcache
// out-of-range result both return (nil, false, nil) cheaply, without
// touching the data file. Otherwise it seeks into the chunk's compressed
// range and streams forward only up to the rcache-bounded offset.
func (s *Store) ChunkRead(key recordkey.Key, ch *chunk.Chunk) ([]byte, bool, error) {
	if !ch.Bloom.Check(key.ID[:]) {
		return nil, false, nil
	}
	bound, ok := ch.RCacheFind(key)
	if !ok {
		return nil, false, nil
	}

	r := &offsetReader{f: s.dataFile, off: int64(ch.Ctl.DataOffset), end: int64(ch.Ctl.DataOffset + ch.Ctl.CompressedSize)}
	dec := s.opts.Codec.NewDecompressor(r)

	var pos uint64
	for pos <= bound {
		desc, err := recordkey.DecodeDescriptor(dec)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, errors.Wrap(err, "blobstore: ChunkRead: decode descriptor")
		}
		value := make([]byte, desc.DataSize)
		if _, err := io.ReadFull(dec, value); err != nil {
			return nil, false, errors.Wrap(err, "blobstore: ChunkRead: read value")
		}
		pos += uint64(recordkey.DescriptorSize) + uint64(desc.DataSize)

		switch recordkey.Compare(desc, key) {
		case 0:
			return value, true, nil
		case 1:
			// Chunk is sorted: once we've passed key, it isn't here.
			return nil, false, nil
		}
	}
	return nil, false, nil
}

// CopyChunk bulk-copies ch's compressed bytes from s's data file into dst's
// data file and appends a corresponding chunk-meta entry to dst, without
// decompressing. blob's resort does not call it: resort always decompresses
// and merges every chunk, so CopyChunk is an optional fast path that no
// engine operation depends on.
func (s *Store) CopyChunk(dst *Store, ch *chunk.Chunk) (*chunk.Chunk, error) {
	buf := make([]byte, ch.Ctl.CompressedSize)
	if _, err := s.dataFile.Read(buf, int64(ch.Ctl.DataOffset)); err != nil {
		return nil, errors.Wrap(err, "blobstore: CopyChunk: read source bytes")
	}
	newOffset, err := dst.WriteRaw(buf)
	if err != nil {
		return nil, errors.Wrap(err, "blobstore: CopyChunk: write dest bytes")
	}

	newCtl := ch.Ctl
	newCtl.DataOffset = newOffset
	if err := dst.appendChunkMeta(newCtl, ch.Bloom.Bytes()); err != nil {
		return nil, err
	}

	return &chunk.Chunk{
		Start:  ch.Start,
		End:    ch.End,
		Ctl:    newCtl,
		Bloom:  ch.Bloom,
		RCache: ch.RCache,
	}, nil
}

// ReplayChunkMeta scans the chunk-meta file from the start, reconstructing
// each chunk's control block, bloom, start/end keys and rcache by decoding
// its data. It stops at the first corrupt or truncated entry (control block
// short-read, bloom short-read, or a data-stream decode failure) and returns
// every chunk successfully parsed before it, plus a non-nil error describing
// why it stopped. A clean end-of-file is not an error.
//
// A chunk joins sorted only if its Start doesn't fall before lastEnd, the End
// of the last chunk actually placed into sorted (mirroring the original's
// chunks.rbegin()->second.end(), not the literal previous chunk in file
// order) — a chunk rejected as unsorted must not move lastEnd forward, or a
// later chunk could be accepted into sorted despite overlapping an earlier
// sorted chunk's range.
func (s *Store) ReplayChunkMeta() (*skiplist.Map[recordkey.Key, *chunk.Chunk], []*chunk.Chunk, error) {
	sorted := skiplist.New[recordkey.Key, *chunk.Chunk](recordkey.Compare)
	var unsorted []*chunk.Chunk

	chunkSize := s.chunkFile.Size()
	var pos int64
	var lastEnd recordkey.Key
	haveLast := false

	for pos < chunkSize {
		ctl, err := s.readCtlAt(pos)
		if err != nil {
			return sorted, unsorted, errors.Wrapf(ErrCorruptChunkMeta, "read ctl at %d: %v", pos, err)
		}
		pos += int64(chunk.CtlSize)

		if ctl.BloomSize < 0 || pos+int64(ctl.BloomSize) > chunkSize {
			return sorted, unsorted, errors.Wrapf(ErrCorruptChunkMeta, "bloom tail truncated at %d", pos)
		}
		bloomBytes := make([]byte, ctl.BloomSize)
		if _, err := s.chunkFile.Read(bloomBytes, pos); err != nil {
			return sorted, unsorted, errors.Wrapf(ErrCorruptChunkMeta, "read bloom at %d: %v", pos, err)
		}
		pos += int64(ctl.BloomSize)

		ch := &chunk.Chunk{
			Ctl:    ctl,
			Bloom:  bloom.FromBytes(bloomBytes, s.opts.BloomHashCount),
			RCache: rcache.New(),
		}
		if err := s.rebuildChunkKeysAndRCache(ch); err != nil {
			return sorted, unsorted, errors.Wrapf(ErrCorruptChunkMeta, "replay chunk data at offset %d: %v", ctl.DataOffset, err)
		}

		if !haveLast || !ch.Start.Less(lastEnd) {
			sorted.Set(ch.Start, ch)
			lastEnd = ch.End
			haveLast = true
		} else {
			unsorted = append(unsorted, ch)
		}
	}

	return sorted, unsorted, nil
}

func (s *Store) readCtlAt(pos int64) (chunk.Ctl, error) {
	if pos+int64(chunk.CtlSize) > s.chunkFile.Size() {
		return chunk.Ctl{}, errors.New("short read")
	}
	buf := make([]byte, chunk.CtlSize)
	if _, err := s.chunkFile.Read(buf, pos); err != nil {
		return chunk.Ctl{}, err
	}
	return chunk.DecodeCtl(byteReader(buf))
}

// byteReader adapts a byte slice to io.Reader for chunk.DecodeCtl.
type byteReaderT struct {
	b   []byte
	off int
}

func byteReader(b []byte) *byteReaderT { return &byteReaderT{b: b} }

func (r *byteReaderT) Read(p []byte) (int, error) {
	if r.off >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.off:])
	r.off += n
	return n, nil
}

// rebuildChunkKeysAndRCache streams ch's full body once, setting Start/End
// and populating RCache at the configured density, without retaining the
// decoded values.
func (s *Store) rebuildChunkKeysAndRCache(ch *chunk.Chunk) error {
	r := &offsetReader{f: s.dataFile, off: int64(ch.Ctl.DataOffset), end: int64(ch.Ctl.DataOffset + ch.Ctl.CompressedSize)}
	dec := s.opts.Codec.NewDecompressor(r)

	step := rcache.Step(int(ch.Ctl.Num), s.opts.RCacheBudget)
	var pos uint64

	for i := int32(0); i < ch.Ctl.Num; i++ {
		desc, err := recordkey.DecodeDescriptor(dec)
		if err != nil {
			return err
		}
		if i == 0 {
			ch.Start = desc
		}
		ch.End = desc
		if int(i)%step == 0 {
			ch.RCache.Add(desc, pos)
		}
		if _, err := io.CopyN(io.Discard, dec, int64(desc.DataSize)); err != nil {
			return err
		}
		pos += uint64(recordkey.DescriptorSize) + uint64(desc.DataSize)
	}
	return nil
}
