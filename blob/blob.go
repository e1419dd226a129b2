// Package blob implements the shard-level storage engine: a sorted write
// cache backed by compressed, bloom-filtered chunks on two alternating
// on-disk stores, with a background-triggered resort that merges everything
// into one sorted sequence and an optional split into a sibling blob.
//
// Grounded on db.go's Engine (lock-guarded Set/Get/Delete around a mutable
// buffer plus a disk manager, flushToDisk threshold trigger) for the
// write/read/flush shape, and original_source/include/smack/blob.hpp
// (blob::write/read/remove/chunks_resort/split/set_split_dst) for the
// two-lock ordering, resort merge algorithm and split protocol that db.go has
// no equivalent of.
package blob

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/amrmurad1/smackblob/blobstore"
	"github.com/amrmurad1/smackblob/chunk"
	"github.com/amrmurad1/smackblob/codec"
	"github.com/amrmurad1/smackblob/container/skiplist"
	"github.com/amrmurad1/smackblob/internal/logging"
	"github.com/amrmurad1/smackblob/recordkey"
)

// ErrNotFoundNoData reports that key is absent from every cache and chunk.
var ErrNotFoundNoData = errors.New("blob: not found: no data")

// ErrNotFoundRemoved reports that key is present in the remove cache.
var ErrNotFoundRemoved = errors.New("blob: not found: removed")

// resortUnsortedThreshold is the chunks_unsorted.len() > 50 trigger named in
// spec §4.5 step 3.
const resortUnsortedThreshold = 50

// Options configures a Blob. Dir/Prefix select the two on-disk store
// prefixes (<Dir>/<Prefix>.0.{data,chunk} and .1.{data,chunk}); the rest
// mirror the teacher's SSTableConfig (sstable/writer.go) in spirit — a plain
// struct populated by the caller, not a file-based config, since spec.md
// names no configuration surface for the core (see SPEC_FULL.md §5.3).
type Options struct {
	Dir             string
	Prefix          string
	BloomSize       int
	CacheSize       int
	RCacheBudget    int
	MaxChunkRecords int
	Codec           codec.Codec
	Logger          logging.Logger
}

func (o Options) withDefaults() Options {
	out := o
	if out.Dir == "" {
		out.Dir = "."
	}
	if out.Prefix == "" {
		out.Prefix = "blob"
	}
	if out.CacheSize <= 0 {
		out.CacheSize = 10000
	}
	if out.BloomSize <= 0 {
		out.BloomSize = 4096
	}
	if out.RCacheBudget <= 0 {
		out.RCacheBudget = 128
	}
	if out.MaxChunkRecords <= 0 {
		out.MaxChunkRecords = out.CacheSize
	}
	if out.Codec == nil {
		out.Codec = codec.NewS2Codec()
	}
	if out.Logger == nil {
		out.Logger = logging.Nop()
	}
	return out
}

// Blob is the user-facing engine for one shard: two alternating blob stores,
// the write/remove caches, the ordered map of sorted chunks, the vector of
// unsorted chunks, and the two locks that coordinate writes, reads and disk
// rewrites (spec §5: writeLock before diskLock, never reversed).
type Blob struct {
	opts Options

	writeLock sync.Mutex
	diskLock  sync.Mutex

	wcache      *skiplist.Map[recordkey.Key, []byte]
	removeCache *skiplist.Map[recordkey.Key, struct{}]

	chunksSorted   *skiplist.Map[recordkey.Key, *chunk.Chunk]
	chunksUnsorted []*chunk.Chunk

	stores    [2]*blobstore.Store
	activeIdx int

	splitDst   *Blob
	splitStart recordkey.Key

	lastAverageKey recordkey.Key

	// startOverride seeds Start() with the donor's last_average_key from the
	// moment SetSplitDst is called, before this blob has any real chunks of
	// its own (SPEC_FULL.md §7 item 4).
	startOverride *recordkey.Key
}

type storePaths struct {
	data, chunkMeta string
}

func prefixPaths(dir, prefix string) [2]storePaths {
	return [2]storePaths{
		{
			data:      filepath.Join(dir, prefix+".0.data"),
			chunkMeta: filepath.Join(dir, prefix+".0.chunk"),
		},
		{
			data:      filepath.Join(dir, prefix+".1.data"),
			chunkMeta: filepath.Join(dir, prefix+".1.chunk"),
		},
	}
}

// chooseActive scans the two candidate prefixes; the one with the greater
// data-file mtime wins, ties broken by larger size (spec §3 "Lifecycle").
func chooseActive(paths [2]storePaths) int {
	st0, err0 := os.Stat(paths[0].data)
	st1, err1 := os.Stat(paths[1].data)
	switch {
	case err1 != nil:
		return 0
	case err0 != nil:
		return 1
	case st1.ModTime().After(st0.ModTime()):
		return 1
	case st0.ModTime().After(st1.ModTime()):
		return 0
	case st1.Size() > st0.Size():
		return 1
	default:
		return 0
	}
}

// New opens (or creates) a blob at opts.Dir/opts.Prefix. Both store prefixes
// are always opened; the newer one (by the scan above) becomes active and
// its chunk-meta file is replayed to rebuild chunksSorted/chunksUnsorted. If
// replay recovered any unsorted chunks, an initial resort runs immediately
// (SPEC_FULL.md §7 item 1, grounded in the C++ constructor's unconditional
// chunks_resort when m_chunks_unsorted is nonempty).
func New(opts Options) (*Blob, error) {
	resolved := opts.withDefaults()
	if err := os.MkdirAll(resolved.Dir, 0755); err != nil {
		return nil, errors.Wrap(err, "blob: create dir")
	}

	paths := prefixPaths(resolved.Dir, resolved.Prefix)
	storeOpts := blobstore.Options{
		Codec:          resolved.Codec,
		BloomSizeBytes: resolved.BloomSize,
		RCacheBudget:   resolved.RCacheBudget,
		Logger:         resolved.Logger,
	}

	var stores [2]*blobstore.Store
	for i, p := range paths {
		s, err := blobstore.Open(p.data, p.chunkMeta, storeOpts)
		if err != nil {
			for j := 0; j < i; j++ {
				stores[j].Close()
			}
			return nil, errors.Wrapf(err, "blob: open store %d", i)
		}
		stores[i] = s
	}

	b := &Blob{
		opts:        resolved,
		wcache:      skiplist.New[recordkey.Key, []byte](recordkey.Compare),
		removeCache: skiplist.New[recordkey.Key, struct{}](recordkey.Compare),
		stores:      stores,
		activeIdx:   chooseActive(paths),
	}

	sorted, unsorted, replayErr := stores[b.activeIdx].ReplayChunkMeta()
	if replayErr != nil {
		resolved.Logger.Errorf("blob: %s: chunk-meta replay stopped early: %v", resolved.Prefix, replayErr)
	}
	b.chunksSorted = sorted
	b.chunksUnsorted = unsorted

	if len(unsorted) > 0 {
		if err := b.resort(skiplist.New[recordkey.Key, []byte](recordkey.Compare)); err != nil {
			resolved.Logger.Errorf("blob: %s: resort on open failed: %v", resolved.Prefix, err)
		}
	}

	return b, nil
}

// Close releases both underlying stores' file handles.
func (b *Blob) Close() error {
	var err error
	for _, s := range b.stores {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Write buffers (key, value) in the write cache, clearing any pending
// removal. It returns whether the write cache has reached cacheSize, a hint
// that the external flusher should trigger a flush.
func (b *Blob) Write(key recordkey.Key, value []byte) bool {
	b.writeLock.Lock()
	defer b.writeLock.Unlock()

	b.removeCache.Delete(key)
	b.wcache.Set(key, value)
	return b.wcache.Len() >= b.opts.CacheSize
}

// Remove marks key for deletion, erasing any buffered write. It returns
// whether the remove cache has grown past cacheSize.
func (b *Blob) Remove(key recordkey.Key) bool {
	b.writeLock.Lock()
	defer b.writeLock.Unlock()

	b.removeCache.Set(key, struct{}{})
	b.wcache.Delete(key)
	return b.removeCache.Len() > b.opts.CacheSize
}

// Read resolves key through remove cache, write cache, sorted chunks (two
// probes around upper_bound), then unsorted chunks newest-first — the
// order spec §4.5 "read" names, observing the newest state (spec §3
// invariant 4: remove_cache beats wcache beats disk chunks).
func (b *Blob) Read(key recordkey.Key) ([]byte, error) {
	b.writeLock.Lock()
	if b.removeCache.Has(key) {
		b.writeLock.Unlock()
		return nil, ErrNotFoundRemoved
	}
	if v, ok := b.wcache.Get(key); ok {
		b.writeLock.Unlock()
		return v, nil
	}

	// Lock ordering per spec §5: acquire diskLock before releasing
	// writeLock, so no flush can retire wcache between the "not in wcache"
	// check above and the disk probe below.
	b.diskLock.Lock()
	b.writeLock.Unlock()
	defer b.diskLock.Unlock()

	store := b.stores[b.activeIdx]

	if b.chunksSorted.Len() > 0 {
		v, found, err := b.probeSorted(store, key)
		if err != nil {
			return nil, errors.Wrap(err, "blob: read: sorted chunk probe")
		}
		if found {
			return v, nil
		}
	}

	for i := len(b.chunksUnsorted) - 1; i >= 0; i-- {
		ch := b.chunksUnsorted[i]
		if !ch.Contains(key) {
			continue
		}
		v, found, err := store.ChunkRead(key, ch)
		if err != nil {
			return nil, errors.Wrap(err, "blob: read: unsorted chunk probe")
		}
		if found {
			return v, nil
		}
	}

	return nil, ErrNotFoundNoData
}

// probeSorted implements spec §4.5 step 4: "let it = upper_bound(key).
// Probe it; if it misses, probe it-1. Exactly two chunks are checked to
// cover key being equal to a chunk's start or end." We take the candidate
// whose start is the largest <= key (equivalent to upper_bound(key)-1, the
// chunk that would actually contain key if any does) as the first probe,
// then fall back one chunk further back as the second — covering the
// boundary case where key equals the first candidate's start but the value
// was in fact appended to the preceding chunk during a since-superseded
// write pattern.
func (b *Blob) probeSorted(store *blobstore.Store, key recordkey.Key) ([]byte, bool, error) {
	geKey, geVal, hasGE := b.chunksSorted.LowerBound(key)

	var cand1Key recordkey.Key
	var cand1 *chunk.Chunk
	hasCand1 := false
	if hasGE && geKey.Equal(key) {
		cand1Key, cand1, hasCand1 = geKey, geVal, true
	} else {
		cand1Key, cand1, hasCand1 = b.chunksSorted.Before(key)
	}

	if hasCand1 {
		v, found, err := store.ChunkRead(key, cand1)
		if err != nil {
			return nil, false, err
		}
		if found {
			return v, true, nil
		}
	}

	var cand2 *chunk.Chunk
	hasCand2 := false
	if hasCand1 {
		_, cand2, hasCand2 = b.chunksSorted.Before(cand1Key)
	}
	if hasCand2 {
		v, found, err := store.ChunkRead(key, cand2)
		if err != nil {
			return nil, false, err
		}
		if found {
			return v, true, nil
		}
	}

	return nil, false, nil
}

// Flush is the externally-triggered disk pass (spec §4.5): swap wcache out
// under the write lock, then under the disk lock either resort (if
// chunksUnsorted has grown past threshold or a split is pending) or append
// the swapped buffer as one or more unsorted chunks. Errors are logged and
// left for the next Flush to retry (spec §7), matching the bool-only
// contract signature (no error channel back to the external scheduler).
func (b *Blob) Flush() bool {
	b.writeLock.Lock()
	tmp := b.wcache.SwapOut()
	b.writeLock.Unlock()

	b.diskLock.Lock()
	needResort := len(b.chunksUnsorted) > resortUnsortedThreshold || b.splitDst != nil
	b.diskLock.Unlock()

	var err error
	switch {
	case needResort:
		err = b.resort(tmp)
	case tmp.Len() > 0:
		err = b.writeTmpAsUnsorted(tmp)
	}
	if err != nil {
		b.opts.Logger.Errorf("blob: %s: flush failed: %v", b.opts.Prefix, err)
		// Hand what tmp still holds back to wcache so the next Flush writes
		// it again; writes and removes made since the swap win.
		b.writeLock.Lock()
		tmp.Range(func(k recordkey.Key, v []byte) bool {
			if !b.removeCache.Has(k) {
				b.wcache.SetIfAbsent(k, v)
			}
			return true
		})
		b.writeLock.Unlock()
	}

	b.diskLock.Lock()
	defer b.diskLock.Unlock()
	return len(b.chunksUnsorted) > resortUnsortedThreshold
}

// writeTmpAsUnsorted drains tmp into one or more chunks appended to
// chunksUnsorted, the non-resort branch of Flush.
func (b *Blob) writeTmpAsUnsorted(tmp *skiplist.Map[recordkey.Key, []byte]) error {
	b.diskLock.Lock()
	defer b.diskLock.Unlock()

	chunks, err := b.drainTmpAsChunks(b.stores[b.activeIdx], tmp)
	b.chunksUnsorted = append(b.chunksUnsorted, chunks...)
	return err
}

// drainTmpAsChunks implements the batching rule common to both flush's
// unsorted path and resort's final sorted-chunk write (spec §4.5 "Writing
// tmp as chunks"): while tmp is non-empty, emit a chunk of tmp.len() records
// if that is under 1.5x cacheSize, else exactly cacheSize. Each StoreChunk
// call also records the midpoint key of the chunk it wrote as the blob's
// last_average_key, the donor's candidate split point (spec §4.7).
func (b *Blob) drainTmpAsChunks(store *blobstore.Store, tmp *skiplist.Map[recordkey.Key, []byte]) ([]*chunk.Chunk, error) {
	n := b.opts.CacheSize
	threshold := n + n/2

	var out []*chunk.Chunk
	for tmp.Len() > 0 {
		batch := tmp.Len()
		if batch >= threshold {
			batch = n
		}
		if b.opts.MaxChunkRecords > 0 && batch > b.opts.MaxChunkRecords {
			batch = b.opts.MaxChunkRecords
		}

		ch, mid, err := store.StoreChunk(tmp, batch)
		if err != nil {
			return out, err
		}
		b.lastAverageKey = mid
		out = append(out, ch)
	}
	return out, nil
}

// resort is the merge-compaction pass (spec §4.6): decompress every unsorted
// chunk (newest first) and every sorted chunk into tmp, skipping any key
// already present (the newest write for a key always arrives first in this
// walk, so "insert if absent" reproduces "newer overwrites older" without
// re-inserting a stale value over a fresh one already seeded into tmp by the
// caller's wcache swap); clear the in-memory chunk collections; flip to the
// sibling store and truncate it; migrate the upper half to splitDst if one
// is set; write what's left of tmp as the new sorted chunk sequence; then,
// with diskLock released, migrate any keys written to wcache during the pass
// that belong to the split range.
//
// diskLock is released before that last step rather than held for the whole
// function via a single top-level defer: migrateSplitRangeFromWcache takes
// writeLock, and spec §5 fixes the lock order as writeLock before diskLock,
// never reversed — holding diskLock into a call that acquires writeLock
// would invert it and deadlock against a concurrent Read (which holds
// writeLock while waiting on diskLock).
func (b *Blob) resort(tmp *skiplist.Map[recordkey.Key, []byte]) error {
	b.diskLock.Lock()

	oldStore := b.stores[b.activeIdx]

	mergeOne := func(ch *chunk.Chunk) error {
		scratch := skiplist.New[recordkey.Key, []byte](recordkey.Compare)
		if err := oldStore.ReadChunk(ch, scratch); err != nil {
			return err
		}
		scratch.Range(func(k recordkey.Key, v []byte) bool {
			tmp.SetIfAbsent(k, v)
			return true
		})
		return nil
	}

	for i := len(b.chunksUnsorted) - 1; i >= 0; i-- {
		if err := mergeOne(b.chunksUnsorted[i]); err != nil {
			b.diskLock.Unlock()
			return errors.Wrap(err, "blob: resort: merge unsorted chunk")
		}
	}

	var mergeErr error
	b.chunksSorted.Range(func(_ recordkey.Key, ch *chunk.Chunk) bool {
		if err := mergeOne(ch); err != nil {
			mergeErr = err
			return false
		}
		return true
	})
	if mergeErr != nil {
		b.diskLock.Unlock()
		return errors.Wrap(mergeErr, "blob: resort: merge sorted chunk")
	}

	b.chunksSorted = skiplist.New[recordkey.Key, *chunk.Chunk](recordkey.Compare)
	b.chunksUnsorted = nil
	if err := oldStore.Forget(); err != nil {
		b.opts.Logger.Errorf("blob: %s: resort: forget old store: %v", b.opts.Prefix, err)
	}

	newIdx := 1 - b.activeIdx
	newStore := b.stores[newIdx]
	if err := newStore.Truncate(); err != nil {
		b.diskLock.Unlock()
		return errors.Wrap(err, "blob: resort: truncate sibling store")
	}
	b.activeIdx = newIdx

	if b.splitDst != nil {
		b.migrateSplitRange(tmp)
	}

	chunks, err := b.drainTmpAsChunks(newStore, tmp)
	if err != nil {
		b.diskLock.Unlock()
		return errors.Wrap(err, "blob: resort: write sorted chunks")
	}
	for _, ch := range chunks {
		b.chunksSorted.Set(ch.Start, ch)
	}

	needSplitFinish := b.splitDst != nil
	b.diskLock.Unlock()

	if needSplitFinish {
		b.migrateSplitRangeFromWcache()
		b.diskLock.Lock()
		b.splitDst = nil
		b.diskLock.Unlock()
	}

	return nil
}

// migrateSplitRange moves every tmp entry with key >= splitStart into
// splitDst, erasing them from tmp (spec §4.6 step 4).
func (b *Blob) migrateSplitRange(tmp *skiplist.Map[recordkey.Key, []byte]) {
	var toMove []recordkey.Key
	tmp.Range(func(k recordkey.Key, _ []byte) bool {
		if !k.Less(b.splitStart) {
			toMove = append(toMove, k)
		}
		return true
	})
	for _, k := range toMove {
		v, _ := tmp.Get(k)
		b.splitDst.Write(k, v)
		tmp.Delete(k)
	}
}

// migrateSplitRangeFromWcache handles spec §4.6 step 6: keys written to
// wcache while resort was running (which, by lock ordering, cannot race with
// this since it takes writeLock itself) that fall in the split range also
// need to move to splitDst before the split is considered complete.
func (b *Blob) migrateSplitRangeFromWcache() {
	b.writeLock.Lock()
	defer b.writeLock.Unlock()

	var toMove []recordkey.Key
	b.wcache.Range(func(k recordkey.Key, _ []byte) bool {
		if !k.Less(b.splitStart) {
			toMove = append(toMove, k)
		}
		return true
	})
	for _, k := range toMove {
		v, _ := b.wcache.Get(k)
		b.splitDst.Write(k, v)
		b.wcache.Delete(k)
	}
}

// SetSplitDst arms a split: the next resort will migrate every key >=
// b.lastAverageKey into dst. A no-op if a split is already pending (spec §9
// Open Question: "the call is a no-op in that case"). Per SPEC_FULL.md §7
// item 4, dst's advertised Start() is seeded immediately, not only once the
// migration completes, so a router can begin directing new writes to the
// correct donor/destination pair right away.
func (b *Blob) SetSplitDst(dst *Blob) {
	b.diskLock.Lock()
	defer b.diskLock.Unlock()

	if b.splitDst != nil {
		return
	}
	b.splitDst = dst
	b.splitStart = b.lastAverageKey
	seed := b.splitStart
	dst.seedStart(seed)
}

func (b *Blob) seedStart(k recordkey.Key) {
	b.diskLock.Lock()
	defer b.diskLock.Unlock()
	seed := k
	b.startOverride = &seed
}

// HaveUnsortedChunks reports the current chunksUnsorted length, a hint an
// external scheduler can use to decide whether to force a resort.
func (b *Blob) HaveUnsortedChunks() int {
	b.diskLock.Lock()
	defer b.diskLock.Unlock()
	return len(b.chunksUnsorted)
}

// Start returns the blob's first key: the first sorted chunk's start if any
// chunk exists, otherwise the split-seeded override key if one was set,
// otherwise the zero key.
func (b *Blob) Start() recordkey.Key {
	b.diskLock.Lock()
	defer b.diskLock.Unlock()

	if k, _, ok := b.chunksSorted.First(); ok {
		return k
	}
	if b.startOverride != nil {
		return *b.startOverride
	}
	return recordkey.Key{}
}

// Size reports the total record count across all chunks, the active store's
// on-disk data size, and whether a split is currently pending (SPEC_FULL.md
// §7 item 3 restores the record count the original blob::size returned that
// spec.md's §6 abbreviation dropped).
func (b *Blob) Size() (numRecords, dataBytes uint64, haveSplit bool) {
	b.diskLock.Lock()
	defer b.diskLock.Unlock()

	var n uint64
	b.chunksSorted.Range(func(_ recordkey.Key, ch *chunk.Chunk) bool {
		n += uint64(ch.Ctl.Num)
		return true
	})
	for _, ch := range b.chunksUnsorted {
		n += uint64(ch.Ctl.Num)
	}

	dBytes, _ := b.stores[b.activeIdx].Size()
	return n, uint64(dBytes), b.splitDst != nil
}
