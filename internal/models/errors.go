package models

import "errors"

// Error taxonomy shared by every layer. Wrap with fmt.Errorf("...: %w", Err...)
// and classify with errors.Is.
var (
	// ErrInvalidInput covers bad coordinates, empty identifiers, bad radius or
	// limit. Always synchronous, never retried.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound covers missing drivers, offers and trips.
	ErrNotFound = errors.New("not found")
	// ErrTransientStorage marks cache/log/event I/O failures. These are
	// absorbed by retry and compensation on the write path.
	ErrTransientStorage = errors.New("transient storage failure")
	// ErrConsistencyConflict is raised by compensation when neither the cache
	// nor the durable log can be trusted. Requires manual review.
	ErrConsistencyConflict = errors.New("consistency conflict: manual review required")
)
