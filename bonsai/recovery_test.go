package bonsai

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"bonsaidb/diskcache"
	"bonsaidb/diskmanager"
	"bonsaidb/wal"
	"bonsaidb/walrecord"
)

// TestWALRecoversUnflushedPagesAfterCrash simulates a process crash: a
// tree is written to (each Put its own committed atomic unit) and its
// WAL fsynced, but the dirty pages themselves are never flushed to the
// index file. Recover+ApplyRecoveredPages then rebuild the index file
// directly from the WAL's committed page images, and a tree reopened
// against that reconstructed file must see every previously-written
// entry.
func TestWALRecoversUnflushedPagesAfterCrash(t *testing.T) {
	dm := diskmanager.NewDiskManager()
	cache, err := diskcache.NewCache(dm, 16<<20)
	require.NoError(t, err)

	walDir := t.TempDir()
	walMgr, err := wal.OpenWAL(walDir)
	require.NoError(t, err)
	cache.SetWAL(walMgr)

	dir := t.TempDir()
	idxPath := filepath.Join(dir, "recover.idx")
	fileID := nextFileID()

	tree, err := Create(cache, walMgr, "recover-me", idxPath, fileID, diskmanager.PageSize, 1, 0, 0)
	require.NoError(t, err)

	const n = 300
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%05d", i)
		require.NoError(t, tree.Put(k(key), []byte(fmt.Sprintf("value-%05d", i))))
	}
	rootPtr := tree.GetRootBucketPointer()

	require.NoError(t, walMgr.Sync())
	// No cache.FlushBuffer() call: the index file on disk still has
	// none of these writes, as if the process died here.

	pages, err := Recover(walMgr)
	require.NoError(t, err)
	require.NotEmpty(t, pages)

	dm2 := diskmanager.NewDiskManager()
	_, err = dm2.OpenFileWithID(idxPath, fileID)
	require.NoError(t, err)
	require.NoError(t, ApplyRecoveredPages(dm2, diskmanager.PageSize, pages))

	cache2, err := diskcache.NewCache(dm2, 16<<20)
	require.NoError(t, err)
	_, err = cache2.OpenFile(idxPath, fileID)
	require.NoError(t, err)

	recovered, err := Load(cache2, nil, "recover-me", idxPath, fileID, rootPtr, diskmanager.PageSize, 1)
	require.NoError(t, err)

	size, err := recovered.Size()
	require.NoError(t, err)
	require.EqualValues(t, n, size)

	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%05d", i)
		want := fmt.Sprintf("value-%05d", i)
		value, found, gerr := recovered.Get(k(key))
		require.NoError(t, gerr, key)
		require.True(t, found, key)
		require.Equal(t, want, string(value), key)
	}
}

// TestRecoverDiscardsUnitThatNeverLoggedAtomicUnitEnd reproduces a
// crash mid-unit: an atomic operation performs 10 puts sharing one
// AtomicUnitStart, the process dies before the matching AtomicUnitEnd
// is ever logged, and the puts that came before that unit (each its
// own committed unit) are the only state an untarnished reopen should
// see. Recover must exclude every UpdatePageRecord belonging to the
// unterminated unit, even though those records are the most recent
// ones in the log.
func TestRecoverDiscardsUnitThatNeverLoggedAtomicUnitEnd(t *testing.T) {
	dm := diskmanager.NewDiskManager()
	cache, err := diskcache.NewCache(dm, 16<<20)
	require.NoError(t, err)

	walDir := t.TempDir()
	walMgr, err := wal.OpenWAL(walDir)
	require.NoError(t, err)
	cache.SetWAL(walMgr)

	dir := t.TempDir()
	idxPath := filepath.Join(dir, "crash-mid-unit.idx")
	fileID := nextFileID()

	tree, err := Create(cache, walMgr, "crash-mid-unit", idxPath, fileID, diskmanager.PageSize, 1, 0, 0)
	require.NoError(t, err)

	const preUnitCount = 5
	for i := 0; i < preUnitCount; i++ {
		key := fmt.Sprintf("pre-%03d", i)
		require.NoError(t, tree.Put(k(key), []byte(fmt.Sprintf("pre-value-%03d", i))))
	}
	require.NoError(t, cache.FlushBuffer())
	rootPtr := tree.GetRootBucketPointer()

	// Begin one atomic unit covering 10 puts, bypassing Put's usual
	// start/end bracketing so AtomicUnitEnd is never logged — the
	// process dies between the last LogPageChanges and EndDurableOperation.
	tree.mu.Lock()
	op, err := tree.durable.StartDurableOperation(nil)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("crashed-%03d", i)
		require.NoError(t, tree.put(k(key), []byte(fmt.Sprintf("crashed-value-%03d", i)), op))
	}
	tree.mu.Unlock()
	require.NoError(t, walMgr.Sync())
	// No EndDurableOperation call, no cache.FlushBuffer() call: the
	// crashed unit's writes exist only as WAL records with no
	// AtomicUnitEnd, the same as a process that died here.

	pages, err := Recover(walMgr)
	require.NoError(t, err)

	dm2 := diskmanager.NewDiskManager()
	_, err = dm2.OpenFileWithID(idxPath, fileID)
	require.NoError(t, err)
	require.NoError(t, ApplyRecoveredPages(dm2, diskmanager.PageSize, pages))

	cache2, err := diskcache.NewCache(dm2, 16<<20)
	require.NoError(t, err)
	_, err = cache2.OpenFile(idxPath, fileID)
	require.NoError(t, err)

	recovered, err := Load(cache2, nil, "crash-mid-unit", idxPath, fileID, rootPtr, diskmanager.PageSize, 1)
	require.NoError(t, err)

	size, err := recovered.Size()
	require.NoError(t, err)
	require.EqualValues(t, preUnitCount, size, "recovered tree must match state before the unterminated unit")

	for i := 0; i < preUnitCount; i++ {
		key := fmt.Sprintf("pre-%03d", i)
		value, found, gerr := recovered.Get(k(key))
		require.NoError(t, gerr, key)
		require.True(t, found, key)
		require.Equal(t, fmt.Sprintf("pre-value-%03d", i), string(value), key)
	}
	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("crashed-%03d", i)
		_, found, gerr := recovered.Get(k(key))
		require.NoError(t, gerr, key)
		require.False(t, found, "crashed unit's put must not survive recovery: "+key)
	}
}

// TestAtomicUnitBracketsSurroundEveryPut verifies each Put logs a
// matching AtomicUnitStart/AtomicUnitEnd pair with Rollback=false.
func TestAtomicUnitBracketsSurroundEveryPut(t *testing.T) {
	dm := diskmanager.NewDiskManager()
	cache, err := diskcache.NewCache(dm, 16<<20)
	require.NoError(t, err)

	walDir := t.TempDir()
	walMgr, err := wal.OpenWAL(walDir)
	require.NoError(t, err)
	cache.SetWAL(walMgr)

	dir := t.TempDir()
	idxPath := filepath.Join(dir, "brackets.idx")
	fileID := nextFileID()

	tree, err := Create(cache, walMgr, "brackets", idxPath, fileID, diskmanager.PageSize, 1, 0, 0)
	require.NoError(t, err)
	require.NoError(t, tree.Put(k("alpha"), []byte("1")))

	var starts, ends int
	err = walMgr.ReplayFromLSN(0, func(lsn uint64, payload []byte) error {
		rec, derr := walrecord.Decode(payload)
		if derr != nil {
			return derr
		}
		switch r := rec.(type) {
		case walrecord.AtomicUnitStart:
			starts++
		case walrecord.AtomicUnitEnd:
			ends++
			require.False(t, r.Rollback)
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, starts, ends)
	require.GreaterOrEqual(t, starts, 1)
}
