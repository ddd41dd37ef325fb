package store

import "errors"

var (
	// ErrNotFound is returned by reads when no live document matches.
	// Callers treat it as "document absent", not as a failure.
	ErrNotFound = errors.New("document not found")

	// ErrConflict is returned by writes whose revision token does not match
	// the currently stored one.
	ErrConflict = errors.New("document update conflict")
)
