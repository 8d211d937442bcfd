package bonsai

import "fmt"

// IoError wraps a lower-level cache or WAL failure. Any IoError raised
// inside Put/Remove/Clear/Create always terminates the current atomic
// unit with rollback before surfacing to the caller as a TreeError.
type IoError struct {
	Op  string
	Err error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("bonsai: io error during %s: %v", e.Op, e.Err)
}

func (e *IoError) Unwrap() error { return e.Err }

// TreeError wraps an IoError (or any lower error) with the tree name
// and key involved, at the public API boundary.
type TreeError struct {
	Tree string
	Key  string
	Err  error
}

func (e *TreeError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("bonsai: tree %q: %v", e.Tree, e.Err)
	}
	return fmt.Sprintf("bonsai: tree %q key %q: %v", e.Tree, e.Key, e.Err)
}

func (e *TreeError) Unwrap() error { return e.Err }

// RollbackError is raised when a nested atomic frame rolled back
// without the outer caller requesting it; it signals the outer caller
// must abort too.
type RollbackError struct {
	UnitID uint64
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("bonsai: atomic unit %d rolled back by a nested operation", e.UnitID)
}

// AssertionError marks an internal invariant violation — corruption,
// not a recoverable condition.
type AssertionError struct {
	Msg string
}

func (e *AssertionError) Error() string {
	return fmt.Sprintf("bonsai: assertion failed: %s", e.Msg)
}
