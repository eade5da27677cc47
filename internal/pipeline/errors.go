package pipeline

import (
	"errors"
	"fmt"
)

// ErrInterrupted is returned by Run when cancellation stopped the run at a
// batch boundary.
var ErrInterrupted = errors.New("interrupted")

// Phases reported by RunFailure.
const (
	PhaseConnect  = "connect"
	PhaseSchema   = "schema"
	PhaseRead     = "read"
	PhaseExtract  = "extract"
	PhaseErrorLog = "errorlog"
	PhaseWrite    = "write"
)

// BatchIOError is a read or write of one batch that failed after exhausting
// its retry budget.
type BatchIOError struct {
	Op       string // "read" or "write"
	Offset   int64
	Attempts int
	Err      error
}

func (e *BatchIOError) Error() string {
	return fmt.Sprintf("%s batch at offset=%d failed after %d attempt(s): %v", e.Op, e.Offset, e.Attempts, e.Err)
}

func (e *BatchIOError) Unwrap() error { return e.Err }

// RunFailure is the fatal error returned when a run ends in the FAILED state.
// Offset is the start of the batch that could not be completed; every batch
// before it is committed.
type RunFailure struct {
	Phase  string
	Offset int64
	Err    error
}

func (e *RunFailure) Error() string {
	return fmt.Sprintf("run failed during %s at offset=%d: %v", e.Phase, e.Offset, e.Err)
}

func (e *RunFailure) Unwrap() error { return e.Err }
