package diskmanager

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

/*
DiskManager owns:
  - file descriptors (os.File)
  - reading/writing raw bytes at specific offsets, via golang.org/x/sys/unix
    Pread/Pwrite rather than os.File.ReadAt/WriteAt — this keeps the same
    positioned-I/O semantics the teacher relied on but goes straight to
    the syscall the way a page-oriented store typically does
  - page allocation (tracking NextPageID per file)
  - the globalPageID <-> (fileID, localPage) mapping

On a page-cache miss it is the disk manager, not the cache, that
creates/reads the page at its offset.
*/

func NewDiskManager() *DiskManager {
	return &DiskManager{
		files:         make(map[uint32]*FileDescriptor),
		globalPageMap: make(map[int64]uint32),
		localToGlobal: make(map[PageKey]int64),
		nextFileID:    1,
	}
}

func NewPage(pageID int64, fileID uint32) *Page {
	return &Page{
		ID:     pageID,
		FileID: fileID,
		Data:   make([]byte, PageSize),
	}
}

// OpenFileWithID opens or creates a file under a caller-supplied,
// stable file ID (used for index files, whose ID must survive restarts).
func (dm *DiskManager) OpenFileWithID(filePath string, fileID uint32) (uint32, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	for id, fd := range dm.files {
		if fd.FilePath == filePath {
			return id, nil
		}
	}

	file, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to open file %s: %w", filePath, err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return 0, err
	}

	fd := &FileDescriptor{
		FileID:     fileID,
		FilePath:   filePath,
		File:       file,
		NextPageID: stat.Size() / int64(PageSize),
	}

	dm.files[fileID] = fd
	if fileID >= dm.nextFileID {
		dm.nextFileID = fileID + 1
	}

	return fileID, nil
}

// OpenFile opens or creates a file and assigns it a session-scoped ID,
// for files that don't need a stable cross-restart ID.
func (dm *DiskManager) OpenFile(filePath string) (uint32, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	for id, fd := range dm.files {
		if fd.FilePath == filePath {
			return id, nil
		}
	}

	file, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to open file %s: %w", filePath, err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return 0, fmt.Errorf("failed to stat file: %w", err)
	}

	fileID := dm.nextFileID
	dm.nextFileID++

	fd := &FileDescriptor{
		FileID:     fileID,
		FilePath:   filePath,
		File:       file,
		NextPageID: stat.Size() / int64(PageSize),
	}
	dm.files[fileID] = fd

	return fileID, nil
}

// ReadPage reads a page from disk by global page ID.
func (dm *DiskManager) ReadPage(globalPageID int64) (*Page, error) {
	dm.mu.RLock()
	fileID, exists := dm.globalPageMap[globalPageID]
	dm.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("page %d not found in global page map", globalPageID)
	}

	dm.mu.RLock()
	fd, exists := dm.files[fileID]
	dm.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("file %d not found", fileID)
	}

	fd.mu.RLock()
	defer fd.mu.RUnlock()
	if fd.File == nil {
		return nil, fmt.Errorf("file %d is closed", fileID)
	}

	localPageID := localPageNumber(globalPageID)
	offset := localPageID * int64(PageSize)

	pg := NewPage(globalPageID, fileID)
	n, err := unix.Pread(int(fd.File.Fd()), pg.Data, offset)
	if err != nil && n == 0 {
		return nil, fmt.Errorf("failed to read page %d from file %d: %w", localPageID, fileID, err)
	}
	for i := n; i < PageSize; i++ {
		pg.Data[i] = 0
	}

	return pg, nil
}

// WritePage writes a page to disk at its owning file's offset.
func (dm *DiskManager) WritePage(pg *Page) error {
	dm.mu.RLock()
	fd, exists := dm.files[pg.FileID]
	dm.mu.RUnlock()
	if !exists {
		return fmt.Errorf("file %d not found", pg.FileID)
	}

	fd.mu.Lock()
	defer fd.mu.Unlock()
	if fd.File == nil {
		return fmt.Errorf("file %d is closed", pg.FileID)
	}
	if len(pg.Data) != PageSize {
		return fmt.Errorf("page data size %d does not match page size %d", len(pg.Data), PageSize)
	}

	localPageID := localPageNumber(pg.ID)
	offset := localPageID * int64(PageSize)

	if _, err := unix.Pwrite(int(fd.File.Fd()), pg.Data, offset); err != nil {
		return fmt.Errorf("failed to write page %d to file %d: %w", localPageID, pg.FileID, err)
	}

	if localPageID >= fd.NextPageID {
		fd.NextPageID = localPageID + 1
	}
	return nil
}

// AllocatePage reserves the next available page ID for a file. It does
// not write anything to disk — the cache writes it back on flush.
func (dm *DiskManager) AllocatePage(fileID uint32) (int64, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	fd, exists := dm.files[fileID]
	if !exists {
		return 0, fmt.Errorf("file %d not found", fileID)
	}

	fd.mu.Lock()
	defer fd.mu.Unlock()
	if fd.File == nil {
		return 0, fmt.Errorf("file %d is closed", fileID)
	}

	localPageNum := fd.NextPageID
	fd.NextPageID++

	globalPageID := int64(fileID)<<32 | localPageNum
	dm.globalPageMap[globalPageID] = fileID
	dm.localToGlobal[PageKey{FileID: fileID, LocalNum: localPageNum}] = globalPageID

	return globalPageID, nil
}

func localPageNumber(globalPageID int64) int64 {
	return globalPageID & 0xFFFFFFFF
}

func (dm *DiskManager) GetGlobalPageID(fileID uint32, localPageNum int64) int64 {
	return int64(fileID)<<32 | localPageNum
}

func (dm *DiskManager) GetLocalPageID(globalPageID int64) int64 {
	return localPageNumber(globalPageID)
}

// RegisterPage adds an existing on-disk local page into the global page
// map. Called when reopening an existing file.
func (dm *DiskManager) RegisterPage(fileID uint32, localPageNum int64) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	key := PageKey{FileID: fileID, LocalNum: localPageNum}
	if _, exists := dm.localToGlobal[key]; exists {
		return
	}

	globalPageID := int64(fileID)<<32 | localPageNum
	dm.globalPageMap[globalPageID] = fileID
	dm.localToGlobal[key] = globalPageID
}

// TruncateFile truncates a file to zero length and resets its page
// counter, without forgetting the fileID <-> path mapping.
func (dm *DiskManager) TruncateFile(fileID uint32) error {
	dm.mu.Lock()
	fd, exists := dm.files[fileID]
	dm.mu.Unlock()
	if !exists {
		return fmt.Errorf("file %d not found", fileID)
	}

	fd.mu.Lock()
	defer fd.mu.Unlock()
	if fd.File == nil {
		return fmt.Errorf("file %d is closed", fileID)
	}
	if err := fd.File.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate file %d: %w", fileID, err)
	}
	fd.NextPageID = 0

	dm.mu.Lock()
	for k, v := range dm.localToGlobal {
		if k.FileID == fileID {
			delete(dm.localToGlobal, k)
			delete(dm.globalPageMap, v)
		}
	}
	dm.mu.Unlock()

	return nil
}

// DeleteFile closes and removes the underlying file entirely.
func (dm *DiskManager) DeleteFile(fileID uint32) error {
	dm.mu.Lock()
	fd, exists := dm.files[fileID]
	if !exists {
		dm.mu.Unlock()
		return fmt.Errorf("file %d not found", fileID)
	}
	delete(dm.files, fileID)
	for k, v := range dm.localToGlobal {
		if k.FileID == fileID {
			delete(dm.localToGlobal, k)
			delete(dm.globalPageMap, v)
		}
	}
	dm.mu.Unlock()

	fd.mu.Lock()
	defer fd.mu.Unlock()
	if fd.File == nil {
		return nil
	}
	path := fd.FilePath
	fd.File.Close()
	fd.File = nil
	return os.Remove(path)
}

// Sync flushes all open file buffers to stable storage.
func (dm *DiskManager) Sync() error {
	dm.mu.RLock()
	defer dm.mu.RUnlock()

	for _, fd := range dm.files {
		fd.mu.Lock()
		if fd.File != nil {
			if err := fd.File.Sync(); err != nil {
				fd.mu.Unlock()
				return fmt.Errorf("failed to sync file %d: %w", fd.FileID, err)
			}
		}
		fd.mu.Unlock()
	}
	return nil
}

// CloseFile closes a specific file.
func (dm *DiskManager) CloseFile(fileID uint32) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	fd, exists := dm.files[fileID]
	if !exists {
		return fmt.Errorf("file %d not found", fileID)
	}

	fd.mu.Lock()
	defer fd.mu.Unlock()
	if fd.File == nil {
		return nil
	}
	if err := fd.File.Sync(); err != nil {
		return fmt.Errorf("failed to sync before close: %w", err)
	}
	if err := fd.File.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	fd.File = nil
	delete(dm.files, fileID)
	return nil
}

// GetFileDescriptor returns the file descriptor for a given file ID.
func (dm *DiskManager) GetFileDescriptor(fileID uint32) (*FileDescriptor, error) {
	dm.mu.RLock()
	defer dm.mu.RUnlock()

	fd, exists := dm.files[fileID]
	if !exists {
		return nil, fmt.Errorf("file %d not found", fileID)
	}
	return fd, nil
}

// WriteMetadata writes metadata directly to page 0 of a file, bypassing
// the cache: metadata pages are always at a fixed location and don't
// benefit from caching.
func (dm *DiskManager) WriteMetadata(fileID uint32, metadata []byte) error {
	dm.mu.RLock()
	fd, exists := dm.files[fileID]
	dm.mu.RUnlock()
	if !exists {
		return fmt.Errorf("file %d not found", fileID)
	}

	fd.mu.Lock()
	defer fd.mu.Unlock()
	if fd.File == nil {
		return fmt.Errorf("file %d is closed", fileID)
	}

	metaPage := make([]byte, PageSize)
	copy(metaPage, metadata)
	if _, err := unix.Pwrite(int(fd.File.Fd()), metaPage, 0); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

// ReadMetadata reads metadata from page 0 of a file.
func (dm *DiskManager) ReadMetadata(fileID uint32) ([]byte, error) {
	dm.mu.RLock()
	fd, exists := dm.files[fileID]
	dm.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("file %d not found", fileID)
	}

	fd.mu.RLock()
	defer fd.mu.RUnlock()
	if fd.File == nil {
		return nil, fmt.Errorf("file %d is closed", fileID)
	}

	metaPage := make([]byte, PageSize)
	if _, err := unix.Pread(int(fd.File.Fd()), metaPage, 0); err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	return metaPage, nil
}

func (dm *DiskManager) WriteRootID(fileID uint32, rootID int64) error {
	metadata := make([]byte, 8)
	binary.LittleEndian.PutUint64(metadata, uint64(rootID))
	return dm.WriteMetadata(fileID, metadata)
}

func (dm *DiskManager) ReadRootID(fileID uint32) (int64, error) {
	metadata, err := dm.ReadMetadata(fileID)
	if err != nil {
		return 0, err
	}
	if len(metadata) < 8 {
		return 0, fmt.Errorf("invalid metadata size")
	}
	return int64(binary.LittleEndian.Uint64(metadata[:8])), nil
}

// TotalPages returns the total number of pages across all open files.
func (dm *DiskManager) TotalPages() int64 {
	dm.mu.RLock()
	defer dm.mu.RUnlock()

	total := int64(0)
	for _, fd := range dm.files {
		total += fd.NextPageID
	}
	return total
}
