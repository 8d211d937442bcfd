// Package bonsai implements a durable, disk-backed B+-tree whose nodes
// are sub-regions of shared pages: many independent trees can live in
// one file, each rooted at a distinct (page, offset) pointer instead
// of owning a whole file. It is the index substructure for a
// paginated storage engine — record-level serialization, schema
// metadata and the higher database surface are out of scope here.
package bonsai

import (
	"fmt"
	"sync"

	"bonsaidb/diskcache"
	"bonsaidb/wal"
)

// Tree is the public ordered-map API: search, split, insert, delete
// and range scans, orchestrating Bucket + WAL + disk cache.
type Tree struct {
	mu sync.RWMutex

	name     string
	fileID   uint32
	filePath string
	pageSize int
	keySize  int // declared key arity, used to pad partial search keys

	root BucketPointer

	cache   *diskcache.Cache
	durable *DurableComponent
}

func bucketOffset(pageSize int) uint32 { return RootSlotOffset(pageSize) }
func bucketSize(pageSize int) int      { return MaxBucketSizeBytes(pageSize) }

// Create allocates a fresh root page for a brand-new, empty tree.
// keySize is the tree's declared key arity (used to pad partial
// search keys during range-boundary resolution).
func Create(cache *diskcache.Cache, walMgr *wal.WALManager, name, filePath string, fileID uint32, pageSize, keySize int, keySerID, valSerID uint8) (*Tree, error) {
	if _, err := cache.OpenFile(filePath, fileID); err != nil {
		return nil, &TreeError{Tree: name, Err: &IoError{Op: "create: open file", Err: err}}
	}

	t := &Tree{
		name:     name,
		fileID:   fileID,
		filePath: filePath,
		pageSize: pageSize,
		keySize:  keySize,
		cache:    cache,
		durable:  NewDurableComponent(NewAtomicOperationManager(walMgr), walMgr == nil),
	}

	op, err := t.durable.StartDurableOperation(nil)
	if err != nil {
		return nil, &TreeError{Tree: name, Err: err}
	}

	entry, err := cache.AllocateNewPage(fileID)
	if err != nil {
		t.durable.EndDurableOperation(op, true)
		return nil, &TreeError{Tree: name, Err: &IoError{Op: "create: allocate root page", Err: err}}
	}
	defer cache.Release(entry)

	region := entry.Pointer.Buffer()[bucketOffset(pageSize) : bucketOffset(pageSize)+uint32(bucketSize(pageSize))]
	entry.Pointer.AcquireExclusiveLock()
	root := NewLeafBucket(region)
	root.SetKeySerializerID(keySerID)
	root.SetValueSerializerID(valSerID)
	root.SetTreeSize(0)
	changes := root.PageChanges()
	entry.Pointer.ReleaseExclusiveLock()

	if err := t.durable.LogPageChanges(entry, changes, true, op); err != nil {
		t.durable.EndDurableOperation(op, true)
		return nil, &TreeError{Tree: name, Err: err}
	}

	if err := t.durable.EndDurableOperation(op, false); err != nil {
		return nil, &TreeError{Tree: name, Err: err}
	}

	t.root = BucketPointer{PageIndex: entry.PageIndex, PageOffset: bucketOffset(pageSize)}
	return t, nil
}

// Load reattaches to an existing tree via its root pointer.
func Load(cache *diskcache.Cache, walMgr *wal.WALManager, name, filePath string, fileID uint32, root BucketPointer, pageSize, keySize int) (*Tree, error) {
	if _, err := cache.OpenFile(filePath, fileID); err != nil {
		return nil, &IoError{Op: "load: open file", Err: err}
	}

	t := &Tree{
		name:     name,
		fileID:   fileID,
		filePath: filePath,
		pageSize: pageSize,
		keySize:  keySize,
		root:     root,
		cache:    cache,
		durable:  NewDurableComponent(NewAtomicOperationManager(walMgr), walMgr == nil),
	}
	return t, nil
}

func (t *Tree) GetName() string               { return t.name }
func (t *Tree) GetRootBucketPointer() BucketPointer { return t.root }

// Size returns the tree's total live entry count, stored in the root.
func (t *Tree) Size() (uint64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entry, bucket, err := t.loadBucket(t.root)
	if err != nil {
		return 0, &TreeError{Tree: t.name, Err: err}
	}
	defer t.cache.Release(entry)

	entry.Pointer.AcquireSharedLock()
	defer entry.Pointer.ReleaseSharedLock()
	return bucket.TreeSize(), nil
}

// Get performs a point lookup.
func (t *Tree) Get(key Key) ([]byte, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result, err := t.findBucket(key, ModeNone)
	if err != nil {
		return nil, false, &TreeError{Tree: t.name, Key: fmt.Sprintf("%v", key), Err: err}
	}
	if result.ItemIndex < 0 {
		return nil, false, nil
	}

	leaf := result.Path[len(result.Path)-1]
	entry, bucket, err := t.loadBucket(leaf)
	if err != nil {
		return nil, false, &TreeError{Tree: t.name, Err: err}
	}
	defer t.cache.Release(entry)

	entry.Pointer.AcquireSharedLock()
	defer entry.Pointer.ReleaseSharedLock()

	_, value, err := bucket.GetLeafEntry(result.ItemIndex)
	if err != nil {
		return nil, false, &TreeError{Tree: t.name, Err: err}
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, true, nil
}

// Flush writes every dirty page of this tree's file back to disk.
func (t *Tree) Flush() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if err := t.cache.FlushBuffer(); err != nil {
		return &TreeError{Tree: t.name, Err: &IoError{Op: "flush", Err: err}}
	}
	return nil
}

// Close flushes (if requested) and closes the tree's backing file.
func (t *Tree) Close(flush bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if flush {
		if err := t.cache.FlushBuffer(); err != nil {
			return &TreeError{Tree: t.name, Err: &IoError{Op: "close: flush", Err: err}}
		}
	}
	if err := t.cache.CloseFile(t.fileID); err != nil {
		return &TreeError{Tree: t.name, Err: &IoError{Op: "close", Err: err}}
	}
	return nil
}

// Delete removes the tree's backing file entirely.
func (t *Tree) Delete() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.cache.DeleteFile(t.fileID); err != nil {
		return &TreeError{Tree: t.name, Err: &IoError{Op: "delete", Err: err}}
	}
	return nil
}

// Clear truncates the file and rebuilds an empty root. Per the source's
// own behavior, the root pointer's page index never changes, so the
// first page reallocated after truncation must land at that same
// index — diskmanager.TruncateFile resets the file's page counter to
// zero, and Tree always allocates its root as the very first page of
// its file, so the two stay in sync without extra bookkeeping here.
func (t *Tree) Clear() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, err := t.durable.StartDurableOperation(nil)
	if err != nil {
		return &TreeError{Tree: t.name, Err: err}
	}

	if err := t.cache.TruncateFile(t.fileID); err != nil {
		t.durable.EndDurableOperation(op, true)
		return &TreeError{Tree: t.name, Err: &IoError{Op: "clear: truncate", Err: err}}
	}

	entry, err := t.cache.AllocateNewPage(t.fileID)
	if err != nil {
		t.durable.EndDurableOperation(op, true)
		return &TreeError{Tree: t.name, Err: &IoError{Op: "clear: reallocate root", Err: err}}
	}
	defer t.cache.Release(entry)

	if entry.PageIndex != t.root.PageIndex {
		t.durable.EndDurableOperation(op, true)
		return &TreeError{Tree: t.name, Err: &AssertionError{Msg: "root page index changed across clear()"}}
	}

	region := entry.Pointer.Buffer()[t.root.PageOffset : t.root.PageOffset+uint32(bucketSize(t.pageSize))]
	entry.Pointer.AcquireExclusiveLock()
	root := NewLeafBucket(region)
	changes := root.PageChanges()
	entry.Pointer.ReleaseExclusiveLock()

	if err := t.durable.LogPageChanges(entry, changes, true, op); err != nil {
		t.durable.EndDurableOperation(op, true)
		return &TreeError{Tree: t.name, Err: err}
	}
	return t.durable.EndDurableOperation(op, false)
}

// loadBucket maps a BucketPointer onto the cache and returns the
// bucket view over its fixed-size region. checkPinned follows the
// disk-cache interface's own name for "pin this on load".
func (t *Tree) loadBucket(ptr BucketPointer) (*diskcache.CacheEntry, *Bucket, error) {
	entry, err := t.cache.Load(t.fileID, ptr.PageIndex, true)
	if err != nil {
		return nil, nil, err
	}
	region := entry.Pointer.Buffer()[ptr.PageOffset : ptr.PageOffset+uint32(bucketSize(t.pageSize))]
	return entry, LoadBucket(region), nil
}
