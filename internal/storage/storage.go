// Package storage holds what the package and event stores share.
package storage

import "github.com/pkg/errors"

var (
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned by a compare-and-swap write whose expected
	// prior state no longer matches the stored row.
	ErrConflict = errors.New("state conflict")
)

// MaxEventsPage caps a single event history read.
const MaxEventsPage = 1000
