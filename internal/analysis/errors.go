package analysis

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared by the store, orchestrator, and HTTP layer.
var (
	ErrValidation = errors.New("invalid input")
	ErrConflict   = errors.New("active analysis already exists")
	ErrNotFound   = errors.New("analysis not found")
	ErrForbidden  = errors.New("forbidden")
	ErrStage      = errors.New("stage failed")
	// ErrStatusChanged signals a compare-and-set miss: the persisted status no
	// longer matches the status the caller expected to transition from.
	ErrStatusChanged = errors.New("analysis status changed concurrently")
	// ErrInvalidTransition rejects transitions the state machine forbids.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// Unwrap lets errors.Is match ErrValidation.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// ConflictError reports the job currently holding the (owner, URL) slot.
type ConflictError struct {
	ActiveJobID string
	WebsiteURL  string
}

func (e *ConflictError) Error() string {
	if e.ActiveJobID == "" {
		return fmt.Sprintf("analysis already in progress for %s", e.WebsiteURL)
	}
	return fmt.Sprintf("analysis %s already in progress for %s", e.ActiveJobID, e.WebsiteURL)
}

// Unwrap lets errors.Is match ErrConflict.
func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// StageError wraps a stage executor failure or timeout.
type StageError struct {
	Stage   Stage
	Timeout time.Duration
	Err     error
}

func (e *StageError) Error() string {
	if e.Timeout > 0 {
		return fmt.Sprintf("%s stage timeout after %s", e.Stage, e.Timeout)
	}
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

// Unwrap exposes both ErrStage and the executor error.
func (e *StageError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrStage}
	}
	return []error{ErrStage, e.Err}
}

// TimedOut reports whether the stage exceeded its deadline.
func (e *StageError) TimedOut() bool {
	return e.Timeout > 0
}
