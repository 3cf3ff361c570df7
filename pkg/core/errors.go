package core

import (
	"context"
	"errors"
	"fmt"
)

// Common errors returned by the engine. Callers match them with errors.Is.
var (
	// ErrValidation indicates invalid input: empty content, importance out
	// of range, or a value outside a closed enumeration.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound indicates the requested document, node, or edge does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a write collided with existing state.
	ErrConflict = errors.New("conflict")

	// ErrUnsupported indicates the store does not implement the operation.
	ErrUnsupported = errors.New("unsupported operation")

	// ErrBackendUnavailable indicates a transport failure to a model,
	// embedding, or storage backend.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrParse indicates a model returned output that could not be decoded.
	ErrParse = errors.New("parse error")

	// ErrConfiguration indicates missing credentials or an unreachable
	// backend discovered at startup.
	ErrConfiguration = errors.New("configuration error")

	// ErrStoreClosed indicates an operation on a closed store.
	ErrStoreClosed = errors.New("store is closed")
)

// StoreError wraps an error with the operation that produced it.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is supports errors.Is comparisons against the wrapped error.
func (e *StoreError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// WrapOp wraps err with operation context. Returns nil for a nil err and
// never double-wraps context cancellation.
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}
