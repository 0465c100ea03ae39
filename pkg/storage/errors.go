package storage

import "errors"

var (
	// ErrNotFound is returned when an identifier is not present in the store.
	ErrNotFound = errors.New("record not found")

	// ErrMalformedData is returned when a persisted file cannot be decoded.
	ErrMalformedData = errors.New("malformed persisted data")
)
