package bonsai

import (
	"fmt"

	"bonsaidb/diskmanager"
	"bonsaidb/wal"
	"bonsaidb/walrecord"
)

// RecoveredPage is one page's latest committed-unit image, the output
// of Recover.
type RecoveredPage struct {
	FileID    uint32
	PageIndex int64
	Image     []byte
}

// Recover replays a WAL end to end and returns, for every page
// touched by a committed atomic unit, that page's latest bucket
// image. A unit counts as committed only once its AtomicUnitEnd
// record has been seen with Rollback=false; a unit whose writer
// crashed before logging AtomicUnitEnd — spec.md's "crash before
// AtomicUnitEnd" scenario — or that explicitly rolled back contributes
// no pages at all. This mirrors how the source's recovery pass
// discards an OAtomicUnitStartRecord with no matching committed
// OAtomicUnitEndRecord: an UpdatePageRecord is redone only when its
// bracketing unit is known to have finished.
//
// Two passes over the log are needed because a page's UpdatePageRecord
// can appear before its unit's AtomicUnitEnd: the first pass learns
// which unit IDs committed, the second keeps the latest image per page
// among only those units.
func Recover(w *wal.WALManager) ([]RecoveredPage, error) {
	committed := make(map[uint64]bool)
	if err := w.ReplayFromLSN(0, func(_ uint64, payload []byte) error {
		rec, err := walrecord.Decode(payload)
		if err != nil {
			return fmt.Errorf("bonsai: decoding record during recovery scan: %w", err)
		}
		if end, ok := rec.(walrecord.AtomicUnitEnd); ok {
			committed[end.OperationUnitID] = !end.Rollback
		}
		return nil
	}); err != nil {
		return nil, err
	}

	type pageKey struct {
		fileID uint32
		index  int64
	}
	latest := make(map[pageKey][]byte)
	order := make([]pageKey, 0)

	if err := w.ReplayFromLSN(0, func(_ uint64, payload []byte) error {
		rec, err := walrecord.Decode(payload)
		if err != nil {
			return fmt.Errorf("bonsai: decoding record during recovery apply: %w", err)
		}
		upd, ok := rec.(walrecord.UpdatePageRecord)
		if !ok || !committed[upd.OperationUnitID] {
			return nil
		}
		k := pageKey{fileID: upd.FileID, index: upd.PageIndex}
		if _, seen := latest[k]; !seen {
			order = append(order, k)
		}
		latest[k] = upd.PageImage
		return nil
	}); err != nil {
		return nil, err
	}

	pages := make([]RecoveredPage, 0, len(order))
	for _, k := range order {
		pages = append(pages, RecoveredPage{FileID: k.fileID, PageIndex: k.index, Image: latest[k]})
	}
	return pages, nil
}

// ApplyRecoveredPages writes every recovered page image back to its
// file at the bucket's fixed page offset, zero-padding the rest of the
// page, and registers each page with dm so a subsequent Load can find
// it. Callers run this against a fresh DiskManager before Load, ahead
// of attaching a diskcache.Cache and a Tree to the same file.
func ApplyRecoveredPages(dm *diskmanager.DiskManager, pageSize int, pages []RecoveredPage) error {
	offset := bucketOffset(pageSize)
	for _, p := range pages {
		dm.RegisterPage(p.FileID, p.PageIndex)

		globalID := dm.GetGlobalPageID(p.FileID, p.PageIndex)
		pg := diskmanager.NewPage(globalID, p.FileID)
		copy(pg.Data[offset:], p.Image)
		if err := dm.WritePage(pg); err != nil {
			return fmt.Errorf("bonsai: writing recovered page %d in file %d: %w", p.PageIndex, p.FileID, err)
		}
	}
	return nil
}
