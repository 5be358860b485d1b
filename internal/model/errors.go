package model

import (
	"errors"
	"fmt"
)

// Error taxonomy for the orchestration core. Errors about a run's own state
// are surfaced synchronously to the caller; batch-local errors are recorded
// on the run and do not abort the whole run automatically.
var (
	// ErrInvalidTransition is an illegal state-machine move, rejected locally.
	ErrInvalidTransition = errors.New("invalid run transition")

	// ErrRunConflict means the single-unclosed-run invariant would be violated.
	ErrRunConflict = errors.New("another run is still open")

	// ErrPreconditionFailed means close was attempted with pending proposals.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrValidation marks a malformed rule or condition payload, rejected at
	// create/update time and never persisted.
	ErrValidation = errors.New("validation failed")
)

// ExtractionError wraps an Extraction Oracle failure with batch context.
// It is caught at batch granularity and written into the run's error log;
// already-committed batches are never discarded.
type ExtractionError struct {
	BatchIndex int
	RunID      string
	Err        error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction failed for batch %d of run %s: %v", e.BatchIndex, e.RunID, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }
