// Package wal is a write-ahead log of opaque, length-prefixed,
// CRC-framed byte payloads identified by a monotonic LSN. It knows
// nothing about what the payload bytes mean — the walrecord package
// built on top of it defines the bonsai-specific record shapes
// (AtomicUnitStart/AtomicUnitEnd/UpdatePageRecord) that get encoded
// into those payloads.
package wal

import (
	"os"
	"sync"
)

const (
	RecordHeaderSize = 16
	SegmentSize      = 16 * 1024 * 1024
)

type WALManager struct {
	Directory   string
	CurrSegment *WALSegment
	CurrentLSN  uint64
	FlushedLSN  uint64
	Segments    map[uint64]*WALSegment
	mu          sync.RWMutex
}

type WALSegment struct {
	SegmentId uint64
	FilePath  string
	File      *os.File
	Size      int64
	mu        sync.Mutex
}

type WALRecord struct {
	LSN  uint64
	Data []byte
	CRC  uint32
}
