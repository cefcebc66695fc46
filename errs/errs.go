// Package errs classifies ingestion errors into the taxonomy the worker
// pool and orchestrator dispatch on: transient errors are retried in place,
// semantic errors are not retryable and surface as typed values, and reorg
// errors trigger the single-level re-processing described in the block
// processor's edge cases.
package errs

import (
	"errors"
	"fmt"
)

// Class distinguishes how the worker pool should react to a failure.
type Class int

const (
	// ClassTransient covers network blips, HTTP 5xx/429, timeouts, and
	// malformed responses, however often they repeat. Retried with backoff.
	ClassTransient Class = iota
	// ClassSemantic covers errors that retrying will not fix: a missing
	// block, an invalid address, a method the endpoint does not support.
	ClassSemantic
	// ClassReorg signals a parent-hash mismatch against the stored chain.
	ClassReorg
	// ClassFatal signals the orchestrator should halt the process.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassSemantic:
		return "semantic"
	case ClassReorg:
		return "reorg"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with its dispatch class.
type Error struct {
	Class Class
	Op    string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable error from operation op.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: ClassTransient, Op: op, Err: err}
}

// Semantic wraps err as a non-retryable error from operation op.
func Semantic(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: ClassSemantic, Op: op, Err: err}
}

// Reorg wraps err as a parent-hash mismatch detected at op.
func Reorg(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: ClassReorg, Op: op, Err: err}
}

// Fatal wraps err as a process-halting error from operation op.
func Fatal(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: ClassFatal, Op: op, Err: err}
}

// ClassOf returns the Class of err, defaulting to ClassTransient for plain
// errors so an unclassified failure is retried rather than silently parked.
func ClassOf(err error) Class {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ClassTransient
}

// IsRetryable reports whether err should be retried by the worker pool.
func IsRetryable(err error) bool {
	switch ClassOf(err) {
	case ClassTransient, ClassReorg:
		return true
	default:
		return false
	}
}
