package diskcache

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"bonsaidb/diskmanager"
)

func newTestCache(t *testing.T) (*Cache, uint32) {
	t.Helper()
	dm := diskmanager.NewDiskManager()
	cache, err := NewCache(dm, 16<<20)
	require.NoError(t, err)

	dir := t.TempDir()
	fileID, err := cache.OpenFile(filepath.Join(dir, "data.bin"), 1)
	require.NoError(t, err)
	return cache, fileID
}

func TestAllocateNewPageIsPinnedAndDirty(t *testing.T) {
	cache, fileID := newTestCache(t)

	entry, err := cache.AllocateNewPage(fileID)
	require.NoError(t, err)
	require.True(t, entry.IsDirty())
	require.EqualValues(t, 0, entry.PageIndex)

	key := pageKey{fileID: fileID, pageIndex: entry.PageIndex}
	require.True(t, cache.isPinned(key))

	cache.Release(entry)
	require.False(t, cache.isPinned(key))
}

func TestLoadReturnsSameEntryWithinLiveSet(t *testing.T) {
	cache, fileID := newTestCache(t)

	entry, err := cache.AllocateNewPage(fileID)
	require.NoError(t, err)
	cache.Release(entry)

	loaded, err := cache.Load(fileID, entry.PageIndex, true)
	require.NoError(t, err)
	require.Same(t, entry, loaded)
	cache.Release(loaded)
}

func TestWritesSurviveFlushBuffer(t *testing.T) {
	cache, fileID := newTestCache(t)

	entry, err := cache.AllocateNewPage(fileID)
	require.NoError(t, err)

	entry.Pointer.AcquireExclusiveLock()
	buf := entry.Pointer.Buffer()
	buf[0] = 0xAB
	entry.Pointer.ReleaseExclusiveLock()
	entry.MarkDirty()
	cache.Release(entry)

	require.NoError(t, cache.FlushBuffer())
	require.False(t, entry.IsDirty())
}

func TestFlushBufferWithheldUntilWALFlushedLSN(t *testing.T) {
	cache, fileID := newTestCache(t)
	gate := &fakeFlushedLSN{flushed: 0}
	cache.SetWAL(gate)

	entry, err := cache.AllocateNewPage(fileID)
	require.NoError(t, err)
	entry.SetLSN(5)
	cache.Release(entry)

	require.NoError(t, cache.FlushBuffer())
	require.True(t, entry.IsDirty(), "page with unflushed LSN must stay dirty")

	gate.flushed = 5
	require.NoError(t, cache.FlushBuffer())
	require.False(t, entry.IsDirty())
}

func TestTruncateFileDropsLiveEntriesForThatFileOnly(t *testing.T) {
	cache, fileID := newTestCache(t)

	entry, err := cache.AllocateNewPage(fileID)
	require.NoError(t, err)
	cache.Release(entry)

	require.NoError(t, cache.TruncateFile(fileID))

	cache.liveMu.Lock()
	_, stillLive := cache.live[pageKey{fileID: fileID, pageIndex: entry.PageIndex}]
	cache.liveMu.Unlock()
	require.False(t, stillLive)
}

type fakeFlushedLSN struct {
	flushed uint64
}

func (f *fakeFlushedLSN) GetFlushedLSN() uint64 { return f.flushed }
