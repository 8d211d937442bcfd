package bonsai

import (
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"bonsaidb/diskcache"
	"bonsaidb/diskmanager"
	"bonsaidb/wal"
)

var testFileID uint32

func nextFileID() uint32 {
	return atomic.AddUint32(&testFileID, 1)
}

// newTestCache builds an isolated disk cache over a fresh DiskManager.
func newTestCache(t *testing.T) *diskcache.Cache {
	t.Helper()
	dm := diskmanager.NewDiskManager()
	cache, err := diskcache.NewCache(dm, 16<<20)
	require.NoError(t, err)
	return cache
}

// newTestTree creates a brand-new tree backed by its own file in a
// temp directory, with no WAL (durability tracking disabled).
func newTestTree(t *testing.T, cache *diskcache.Cache, keySize int) *Tree {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "tree.idx")
	tree, err := Create(cache, nil, "test-tree", path, nextFileID(), diskmanager.PageSize, keySize, 0, 0)
	require.NoError(t, err)
	return tree
}

// newTestTreeWithWAL is the same as newTestTree but wires a real WAL,
// for tests that exercise durability/recovery.
func newTestTreeWithWAL(t *testing.T, cache *diskcache.Cache, walMgr *wal.WALManager, keySize int) (*Tree, string, uint32) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "tree.idx")
	fileID := nextFileID()
	tree, err := Create(cache, walMgr, "test-tree", path, fileID, diskmanager.PageSize, keySize, 0, 0)
	require.NoError(t, err)
	return tree, path, fileID
}

func k(parts ...string) Key {
	raw := make([][]byte, len(parts))
	for i, p := range parts {
		raw[i] = []byte(p)
	}
	return NewKey(raw...)
}
