package store

import "errors"

// ErrNotFound is returned when a requested entry does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface for the event journal.
type Store interface {
	// Append assigns the next sequence number (and the current time when
	// e.Time is zero), saves e and prunes the oldest entries over the limit.
	Append(e *Entry) error

	// Get returns one entry by sequence number.
	Get(seq uint64) (*Entry, error)

	// List returns up to limit entries, newest first, optionally only those
	// of the given type. limit <= 0 means no limit.
	List(limit int, eventType string) ([]*Entry, error)

	// Count returns the number of stored entries.
	Count() (int, error)

	// Close the store
	Close() error
}
