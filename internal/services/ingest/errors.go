package ingest

import "strings"

// ValidationError lists every problem found in a report. Nothing was written.
type ValidationError struct {
	Details []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Details, "; ")
}

// StorageError is a failed or timed out store call. The event may already be
// persisted when the failing operation is the state write.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return "storage error: " + e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
