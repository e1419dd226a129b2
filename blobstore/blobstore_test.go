package blobstore

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/amrmurad1/smackblob/container/skiplist"
	"github.com/amrmurad1/smackblob/recordkey"
)

func truncateTrailingBytes(t *testing.T, path string, n int64) {
	t.Helper()
	st, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, st.Size()-n))
}

func openStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "x.data"), filepath.Join(dir, "x.chunk"), Options{
		BloomSizeBytes: 1024,
		RCacheBudget:   8,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedCache(n int) *skiplist.Map[recordkey.Key, []byte] {
	m := skiplist.New[recordkey.Key, []byte](recordkey.Compare)
	for i := 0; i < n; i++ {
		k := recordkey.NewFromString(fmt.Sprintf("key-%04d", i))
		m.Set(k, []byte(fmt.Sprintf("payload-%d", i)))
	}
	return m
}

func TestStoreChunkThenChunkRead(t *testing.T) {
	s := openStore(t)
	cache := seedCache(200)
	ch, _, err := s.StoreChunk(cache, 200)
	require.NoError(t, err)
	require.Equal(t, 0, cache.Len())
	require.Equal(t, int32(200), ch.Ctl.Num)

	for i := 0; i < 200; i++ {
		k := recordkey.NewFromString(fmt.Sprintf("key-%04d", i))
		v, found, err := s.ChunkRead(k, ch)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, fmt.Sprintf("payload-%d", i), string(v))
	}

	missing := recordkey.NewFromString("not-present")
	_, found, err := s.ChunkRead(missing, ch)
	require.NoError(t, err)
	require.False(t, found)
}

func TestStoreChunkRespectsMaxRecords(t *testing.T) {
	s := openStore(t)
	cache := seedCache(50)
	ch, _, err := s.StoreChunk(cache, 20)
	require.NoError(t, err)
	require.Equal(t, int32(20), ch.Ctl.Num)
	require.Equal(t, 30, cache.Len())
}

func TestReadChunkInsertsEveryPair(t *testing.T) {
	s := openStore(t)
	cache := seedCache(64)
	ch, _, err := s.StoreChunk(cache, 64)
	require.NoError(t, err)

	out := skiplist.New[recordkey.Key, []byte](recordkey.Compare)
	require.NoError(t, s.ReadChunk(ch, out))
	require.Equal(t, 64, out.Len())
}

func TestCopyChunkPreservesContent(t *testing.T) {
	src := openStore(t)
	dir := t.TempDir()
	dst, err := Open(filepath.Join(dir, "y.data"), filepath.Join(dir, "y.chunk"), Options{BloomSizeBytes: 1024, RCacheBudget: 8})
	require.NoError(t, err)
	defer dst.Close()

	cache := seedCache(30)
	ch, _, err := src.StoreChunk(cache, 30)
	require.NoError(t, err)

	copied, err := src.CopyChunk(dst, ch)
	require.NoError(t, err)

	for i := 0; i < 30; i++ {
		k := recordkey.NewFromString(fmt.Sprintf("key-%04d", i))
		v, found, err := dst.ChunkRead(k, copied)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, fmt.Sprintf("payload-%d", i), string(v))
	}
}

func TestReplayChunkMetaRoundTrip(t *testing.T) {
	dir := t.TempDir()
	dataPath := filepath.Join(dir, "z.data")
	chunkPath := filepath.Join(dir, "z.chunk")

	s, err := Open(dataPath, chunkPath, Options{BloomSizeBytes: 1024, RCacheBudget: 8})
	require.NoError(t, err)

	cache1 := seedCache(40)
	_, _, err = s.StoreChunk(cache1, 40)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := Open(dataPath, chunkPath, Options{BloomSizeBytes: 1024, RCacheBudget: 8})
	require.NoError(t, err)
	defer s2.Close()

	sorted, unsorted, err := s2.ReplayChunkMeta()
	require.NoError(t, err)
	require.Empty(t, unsorted)
	require.Equal(t, 1, sorted.Len())

	_, ch, ok := sorted.First()
	require.True(t, ok)
	for i := 0; i < 40; i++ {
		k := recordkey.NewFromString(fmt.Sprintf("key-%04d", i))
		v, found, err := s2.ChunkRead(k, ch)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, fmt.Sprintf("payload-%d", i), string(v))
	}
}

func TestReplayStopsAtCorruptTailKeepsPriorChunks(t *testing.T) {
	dir := t.TempDir()
	dataPath := filepath.Join(dir, "c.data")
	chunkPath := filepath.Join(dir, "c.chunk")

	s, err := Open(dataPath, chunkPath, Options{BloomSizeBytes: 1024, RCacheBudget: 8})
	require.NoError(t, err)

	cache1 := seedCache(20)
	_, _, err = s.StoreChunk(cache1, 20)
	require.NoError(t, err)

	cache2 := seedCache(20)
	// give the second batch keys distinct from the first (they are hashed, so
	// the two chunks' key ranges still overlap).
	shifted := skiplist.New[recordkey.Key, []byte](recordkey.Compare)
	cache2.Range(func(k recordkey.Key, v []byte) bool {
		shifted.Set(recordkey.NewFromString("batch2-"+k.Hex()), v)
		return true
	})
	_, _, err = s.StoreChunk(shifted, shifted.Len())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Corrupt the trailing bytes of the chunk-meta file.
	truncateTrailingBytes(t, chunkPath, 37)

	s2, err := Open(dataPath, chunkPath, Options{BloomSizeBytes: 1024, RCacheBudget: 8})
	require.NoError(t, err)
	defer s2.Close()

	sorted, unsorted, err := s2.ReplayChunkMeta()
	require.Error(t, err)
	require.ErrorIs(t, err, ErrCorruptChunkMeta)
	require.Equal(t, 1, sorted.Len()+len(unsorted))

	_, ch, ok := sorted.First()
	require.True(t, ok)
	for i := 0; i < 20; i++ {
		k := recordkey.NewFromString(fmt.Sprintf("key-%04d", i))
		v, found, err := s2.ChunkRead(k, ch)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, fmt.Sprintf("payload-%d", i), string(v))
	}
}
