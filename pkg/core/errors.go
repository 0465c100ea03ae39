package core

import (
	"errors"
	"fmt"

	"github.com/oceanbase/contextmem-go/pkg/intelligence"
	"github.com/oceanbase/contextmem-go/pkg/storage"
	"github.com/oceanbase/contextmem-go/pkg/vector"
)

// Predefined errors for common failure scenarios.
//
// Most of them alias the errors of the package that raises them, so
// errors.Is works the same whether a caller goes through the Client or uses
// the lower-level packages directly.
var (
	// ErrNotFound indicates that a requested record id is not in the store.
	ErrNotFound = storage.ErrNotFound

	// ErrMalformedData indicates that a persisted file could not be decoded.
	ErrMalformedData = storage.ErrMalformedData

	// ErrDimensionMismatch indicates that two vectors have different lengths.
	ErrDimensionMismatch = vector.ErrDimensionMismatch

	// ErrInvalidStrategy indicates an unknown conflict resolution strategy.
	ErrInvalidStrategy = intelligence.ErrInvalidStrategy

	// ErrInvalidConfig indicates that the provided configuration is invalid.
	ErrInvalidConfig = intelligence.ErrInvalidConfig

	// ErrEmbeddingFailed indicates that embedding generation failed.
	ErrEmbeddingFailed = errors.New("embedding generation failed")

	// ErrInvalidInput indicates that the provided input is invalid.
	ErrInvalidInput = errors.New("invalid input")
)

// MemoryError wraps errors with operation context.
//
// Example:
//
//	err := &MemoryError{
//	    Op:  "Add",
//	    Err: ErrEmbeddingFailed,
//	}
//	// Error() returns: "contextmem: Add: embedding generation failed"
type MemoryError struct {
	// Op is the name of the operation that failed.
	Op string

	// Err is the underlying error.
	Err error
}

// Error returns "contextmem: <Op>: <Err>".
func (e *MemoryError) Error() string {
	return fmt.Sprintf("contextmem: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *MemoryError) Unwrap() error {
	return e.Err
}

// NewMemoryError creates a new MemoryError wrapping the given error.
//
// If err is nil, returns nil. This allows safe error wrapping:
//
//	if err != nil {
//	    return NewMemoryError("Add", err)
//	}
func NewMemoryError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &MemoryError{
		Op:  op,
		Err: err,
	}
}
