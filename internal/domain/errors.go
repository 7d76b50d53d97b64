package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no record exists for an image id.
	ErrNotFound = errors.New("record not found")

	// ErrUnknownWorker is returned for operations referencing a worker id
	// that is not in the registry.
	ErrUnknownWorker = errors.New("unknown worker")

	// ErrDuplicateWorker is returned when adding a worker id that already
	// exists.
	ErrDuplicateWorker = errors.New("worker already exists")

	// ErrExhausted is returned by the assignment engine when no work item
	// matches the query.
	ErrExhausted = errors.New("no work items left")
)

// ValidationError rejects a malformed record or worker before any mutation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StorageError wraps a backing-file failure. It is fatal for the current
// call only; the in-memory state stays intact and the write is retried on
// the next mutation.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: while %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
