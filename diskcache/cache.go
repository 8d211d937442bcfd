// Package diskcache is the disk cache / buffer-pool collaborator: it
// sits between the bonsai tree and diskmanager, pinning pages in
// memory while they're in use and handing back a CacheEntry whose
// CachePointer the tree locks directly.
//
// Every page the cache loads or allocates is also handed to ristretto,
// but lookups go through the `live` map, which keeps each entry until
// its file is truncated or deleted; no page is dropped from memory
// under pressure. Pinning is bookkeeping ristretto doesn't do, so it's
// layered on top with a small guarded map, the same way the teacher's
// BufferPool tracked PinCount on its own Page struct.
package diskcache

import (
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/dustin/go-humanize"

	"bonsaidb/diskmanager"
)

// pageKey identifies a page across files; hashed into ristretto's
// required uint64 key via xxhash so collisions between, say, file 1
// page 2 and file 2 page 1 can't alias each other.
type pageKey struct {
	fileID     uint32
	pageIndex  int64
}

func (k pageKey) hash() uint64 {
	var buf [12]byte
	buf[0] = byte(k.fileID)
	buf[1] = byte(k.fileID >> 8)
	buf[2] = byte(k.fileID >> 16)
	buf[3] = byte(k.fileID >> 24)
	for i := 0; i < 8; i++ {
		buf[4+i] = byte(k.pageIndex >> (8 * i))
	}
	return xxhash.Sum64(buf[:])
}

// CacheEntry is a cached page handle returned by Load. PageIndex and
// MarkDirty are the two pieces of identity/state the tree touches
// directly; the raw bytes live behind Pointer.
type CacheEntry struct {
	FileID    uint32
	PageIndex int64
	Pointer   *CachePointer

	mu    sync.Mutex
	dirty bool
	lsn   uint64
}

func (e *CacheEntry) MarkDirty() {
	e.mu.Lock()
	e.dirty = true
	e.mu.Unlock()
}

func (e *CacheEntry) IsDirty() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dirty
}

// SetLSN records the log sequence number of the last WAL record that
// describes a change to this page; flush is gated on the WAL having
// durably persisted up to at least this LSN.
func (e *CacheEntry) SetLSN(lsn uint64) {
	e.mu.Lock()
	e.lsn = lsn
	e.mu.Unlock()
}

func (e *CacheEntry) LSN() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lsn
}

// FlushedLSNGetter is the small interface diskcache needs from the WAL
// so it doesn't have to import the whole wal package, mirroring the
// teacher's WALFlushedLSNGetter split.
type FlushedLSNGetter interface {
	GetFlushedLSN() uint64
}

// Cache is the ristretto-backed disk cache. It owns a DiskManager for
// misses and flush, and layers pin tracking + dirty tracking on top of
// ristretto's content cache.
type Cache struct {
	ring  *ristretto.Cache[uint64, *CacheEntry]
	disk  *diskmanager.DiskManager
	wal   FlushedLSNGetter
	pinMu sync.Mutex
	pins  map[pageKey]int32
	// live holds every entry the cache currently knows about, keyed by
	// pageKey, independent of whether ristretto has evicted its copy —
	// a pinned page must never actually disappear underneath a caller.
	liveMu sync.Mutex
	live   map[pageKey]*CacheEntry
}

// NewCache builds a disk cache with the given ristretto cost budget
// (in bytes). maxCost is typically sized as a humanize-friendly byte
// count, e.g. 64<<20 for 64 MiB of cached pages.
func NewCache(disk *diskmanager.DiskManager, maxCost int64) (*Cache, error) {
	ring, err := ristretto.NewCache(&ristretto.Config[uint64, *CacheEntry]{
		NumCounters: maxCost / int64(diskmanager.PageSize) * 10,
		MaxCost:     maxCost,
		BufferItems: 64,
		OnEvict: func(item *ristretto.Item[*CacheEntry]) {
			// Eviction of a pinned or dirty page is a no-op here: Load
			// re-admits it from `live` on the next lookup, and a dirty
			// page is only safe to drop once FlushBuffer wrote it back.
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ristretto cache (budget %s): %w", humanize.Bytes(uint64(maxCost)), err)
	}

	return &Cache{
		ring: ring,
		disk: disk,
		pins: make(map[pageKey]int32),
		live: make(map[pageKey]*CacheEntry),
	}, nil
}

func (c *Cache) SetWAL(wal FlushedLSNGetter) {
	c.wal = wal
}

// OpenFile opens or creates a backing file under the given stable
// file ID, returning the same ID back once the file is ready for
// AllocateNewPage/Load.
func (c *Cache) OpenFile(filePath string, fileID uint32) (uint32, error) {
	return c.disk.OpenFileWithID(filePath, fileID)
}

// AllocateNewPage reserves a fresh page in the given file and returns
// a pinned CacheEntry for it, pre-zeroed.
func (c *Cache) AllocateNewPage(fileID uint32) (*CacheEntry, error) {
	globalID, err := c.disk.AllocatePage(fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate page in file %d: %w", fileID, err)
	}
	localID := c.disk.GetLocalPageID(globalID)

	entry := &CacheEntry{
		FileID:    fileID,
		PageIndex: localID,
		Pointer:   newCachePointer(make([]byte, diskmanager.PageSize)),
		dirty:     true,
	}

	key := pageKey{fileID: fileID, pageIndex: localID}
	c.liveMu.Lock()
	c.live[key] = entry
	c.liveMu.Unlock()
	c.ring.Set(key.hash(), entry, int64(diskmanager.PageSize))

	c.pin(key)
	return entry, nil
}

// Load fetches the page at (fileID, pageIndex), pinning it if
// checkPinned is true (the caller intends to hold it across a
// mutation). Misses go through the disk manager.
func (c *Cache) Load(fileID uint32, pageIndex int64, checkPinned bool) (*CacheEntry, error) {
	key := pageKey{fileID: fileID, pageIndex: pageIndex}

	c.liveMu.Lock()
	entry, ok := c.live[key]
	c.liveMu.Unlock()

	if !ok {
		globalID := c.disk.GetGlobalPageID(fileID, pageIndex)
		pg, err := c.disk.ReadPage(globalID)
		if err != nil {
			return nil, fmt.Errorf("failed to load page %d in file %d: %w", pageIndex, fileID, err)
		}

		entry = &CacheEntry{
			FileID:    fileID,
			PageIndex: pageIndex,
			Pointer:   newCachePointer(pg.Data),
		}

		c.liveMu.Lock()
		if existing, raced := c.live[key]; raced {
			entry = existing
		} else {
			c.live[key] = entry
		}
		c.liveMu.Unlock()
		c.ring.Set(key.hash(), entry, int64(diskmanager.PageSize))
	}

	if checkPinned {
		c.pin(key)
	}
	return entry, nil
}

// Release unpins a previously loaded or allocated page.
func (c *Cache) Release(entry *CacheEntry) {
	key := pageKey{fileID: entry.FileID, pageIndex: entry.PageIndex}
	c.unpin(key)
}

func (c *Cache) pin(key pageKey) {
	c.pinMu.Lock()
	c.pins[key]++
	c.pinMu.Unlock()
}

func (c *Cache) unpin(key pageKey) {
	c.pinMu.Lock()
	if n := c.pins[key]; n > 0 {
		if n == 1 {
			delete(c.pins, key)
		} else {
			c.pins[key] = n - 1
		}
	}
	c.pinMu.Unlock()
}

func (c *Cache) isPinned(key pageKey) bool {
	c.pinMu.Lock()
	defer c.pinMu.Unlock()
	return c.pins[key] > 0
}

// FlushBuffer writes every dirty page, pinned or not, whose LSN is
// already covered by the WAL's durable tail back to disk. Pages not yet
// covered are left dirty, to be retried on the next flush.
func (c *Cache) FlushBuffer() error {
	c.liveMu.Lock()
	entries := make([]*CacheEntry, 0, len(c.live))
	for _, e := range c.live {
		entries = append(entries, e)
	}
	c.liveMu.Unlock()

	for _, entry := range entries {
		if !entry.IsDirty() {
			continue
		}
		if c.wal != nil && entry.LSN() > c.wal.GetFlushedLSN() {
			continue
		}

		entry.Pointer.AcquireSharedLock()
		data := make([]byte, len(entry.Pointer.Buffer()))
		copy(data, entry.Pointer.Buffer())
		entry.Pointer.ReleaseSharedLock()

		globalID := c.disk.GetGlobalPageID(entry.FileID, entry.PageIndex)
		pg := &diskmanager.Page{ID: globalID, FileID: entry.FileID, Data: data}
		if err := c.disk.WritePage(pg); err != nil {
			return fmt.Errorf("failed to flush page %d in file %d: %w", entry.PageIndex, entry.FileID, err)
		}

		entry.mu.Lock()
		entry.dirty = false
		entry.mu.Unlock()
	}
	return nil
}

// TruncateFile drops every live entry for a file and truncates its
// backing storage, used by Tree.Clear().
func (c *Cache) TruncateFile(fileID uint32) error {
	c.liveMu.Lock()
	for key := range c.live {
		if key.fileID == fileID {
			delete(c.live, key)
			c.ring.Del(key.hash())
		}
	}
	c.liveMu.Unlock()

	c.pinMu.Lock()
	for key := range c.pins {
		if key.fileID == fileID {
			delete(c.pins, key)
		}
	}
	c.pinMu.Unlock()

	return c.disk.TruncateFile(fileID)
}

// DeleteFile drops every live entry for a file and removes its
// backing storage entirely, used by Tree.Delete().
func (c *Cache) DeleteFile(fileID uint32) error {
	if err := c.TruncateFile(fileID); err != nil {
		return err
	}
	return c.disk.DeleteFile(fileID)
}

// CloseFile flushes and closes a single file's backing storage.
func (c *Cache) CloseFile(fileID uint32) error {
	if err := c.FlushBuffer(); err != nil {
		return err
	}
	return c.disk.CloseFile(fileID)
}

// Close flushes all pending writes and releases the ristretto cache.
func (c *Cache) Close() error {
	if err := c.FlushBuffer(); err != nil {
		return err
	}
	c.ring.Close()
	return nil
}
