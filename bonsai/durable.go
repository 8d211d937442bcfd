package bonsai

import (
	"fmt"

	"bonsaidb/diskcache"
	"bonsaidb/walrecord"
)

// TrackMode says whether a page buffers a delta for the WAL (Full) or
// not (None).
type TrackMode int

const (
	TrackModeNone TrackMode = iota
	TrackModeFull
)

// DurableComponent wraps tree mutations in atomic units and turns
// page mutations into UpdatePageRecord WAL entries. durableInNonTxMode
// disables tracking entirely when no WAL is configured, mirroring the
// source's gate for components running outside a storage transaction.
type DurableComponent struct {
	atomicMgr          *AtomicOperationManager
	durableInNonTxMode bool
}

func NewDurableComponent(mgr *AtomicOperationManager, durableInNonTxMode bool) *DurableComponent {
	return &DurableComponent{atomicMgr: mgr, durableInNonTxMode: durableInNonTxMode}
}

func (d *DurableComponent) StartDurableOperation(op *AtomicOperation) (*AtomicOperation, error) {
	return d.atomicMgr.StartAtomicOperation(op)
}

func (d *DurableComponent) EndDurableOperation(op *AtomicOperation, rollback bool) error {
	return d.atomicMgr.EndAtomicOperation(op, rollback)
}

func (d *DurableComponent) GetTrackMode() TrackMode {
	if !d.atomicMgr.walEnabled() && !d.durableInNonTxMode {
		return TrackModeNone
	}
	if !d.atomicMgr.walEnabled() {
		return TrackModeNone
	}
	return TrackModeFull
}

// LogPageChanges builds an UpdatePageRecord from the entry's current
// bytes and appends it to the WAL, then stores the returned LSN back
// onto the entry so the next delta in this unit links to it — a
// per-page undo chain. isNew pages link to the operation's StartLSN
// instead of a prior page LSN, since they have no prior state.
func (d *DurableComponent) LogPageChanges(entry *diskcache.CacheEntry, pageImage []byte, isNew bool, op *AtomicOperation) error {
	entry.MarkDirty()

	if d.GetTrackMode() == TrackModeNone {
		return nil
	}
	if len(pageImage) == 0 {
		return nil
	}

	prevLSN := entry.LSN()
	if isNew {
		prevLSN = op.startLSN
	}

	record := walrecord.UpdatePageRecord{
		OperationUnitID: op.unitID,
		FileID:          entry.FileID,
		PageIndex:       entry.PageIndex,
		PrevLSN:         prevLSN,
		PageImage:       pageImage,
	}
	payload, err := walrecord.Encode(record)
	if err != nil {
		return fmt.Errorf("failed to encode page change for page %d: %w", entry.PageIndex, err)
	}

	lsn, err := d.atomicMgr.wal.Append(payload)
	if err != nil {
		return fmt.Errorf("failed to log page change for page %d: %w", entry.PageIndex, err)
	}
	entry.SetLSN(lsn)
	return nil
}
