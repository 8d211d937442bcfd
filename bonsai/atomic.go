package bonsai

import (
	"fmt"
	"sync"
	"sync/atomic"

	"bonsaidb/wal"
	"bonsaidb/walrecord"
)

// AtomicOperation is a single nestable atomic unit. Go has no
// thread-locals, and reaching for one via a parsed goroutine ID would
// be exactly the kind of fragile hack this package avoids — instead,
// every public Tree mutation starts exactly one top-level operation
// and threads its handle explicitly through the descent and any
// recursive splits, the same way splitBucket already threads its path
// argument. Nesting only ever happens within that one call stack.
type AtomicOperation struct {
	unitID   uint64
	startLSN uint64

	mu       sync.Mutex
	counter  int32
	rollback bool
}

func (op *AtomicOperation) UnitID() uint64 { return op.unitID }

// AtomicOperationManager issues unit IDs and brackets atomic units
// with AtomicUnitStart/AtomicUnitEnd WAL records. A nil wal makes it a
// no-op bookkeeper: operations still nest correctly, nothing is logged.
type AtomicOperationManager struct {
	wal      *wal.WALManager
	nextUnit uint64
}

func NewAtomicOperationManager(w *wal.WALManager) *AtomicOperationManager {
	return &AtomicOperationManager{wal: w}
}

func (m *AtomicOperationManager) walEnabled() bool { return m.wal != nil }

// StartAtomicOperation begins a new top-level unit when op is nil, or
// joins the given operation (incrementing its reentrancy counter)
// otherwise.
func (m *AtomicOperationManager) StartAtomicOperation(op *AtomicOperation) (*AtomicOperation, error) {
	if op != nil {
		op.mu.Lock()
		op.counter++
		op.mu.Unlock()
		return op, nil
	}

	if !m.walEnabled() {
		return &AtomicOperation{counter: 1}, nil
	}

	unitID := atomic.AddUint64(&m.nextUnit, 1)
	payload, err := walrecord.Encode(walrecord.AtomicUnitStart{OperationUnitID: unitID})
	if err != nil {
		return nil, fmt.Errorf("failed to encode atomic unit start: %w", err)
	}
	lsn, err := m.wal.Append(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to log atomic unit start: %w", err)
	}

	return &AtomicOperation{unitID: unitID, startLSN: lsn, counter: 1}, nil
}

// EndAtomicOperation decrements op's reentrancy counter; once it
// reaches zero, logs AtomicUnitEnd. If a nested frame had already
// marked the operation rolled back but this call isn't itself a
// rollback, a RollbackError surfaces so the caller knows to abort.
func (m *AtomicOperationManager) EndAtomicOperation(op *AtomicOperation, rollback bool) error {
	if op == nil {
		return nil
	}

	op.mu.Lock()
	if rollback {
		op.rollback = true
	}
	op.counter--
	counter := op.counter
	wasRollback := op.rollback
	op.mu.Unlock()

	if counter <= 0 && m.walEnabled() {
		payload, err := walrecord.Encode(walrecord.AtomicUnitEnd{
			OperationUnitID: op.unitID,
			Rollback:        wasRollback,
		})
		if err != nil {
			return fmt.Errorf("failed to encode atomic unit end: %w", err)
		}
		if _, err := m.wal.Append(payload); err != nil {
			return fmt.Errorf("failed to log atomic unit end: %w", err)
		}
	}

	if wasRollback && !rollback {
		return &RollbackError{UnitID: op.unitID}
	}
	return nil
}
