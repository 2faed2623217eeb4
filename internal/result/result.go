// Package result carries the script-facing outcome convention: every guarded
// or bridged helper yields either a value or a failure reason, and Unwrap
// turns a failure into a typed error naming the helper.
package result

import (
	"errors"
	"fmt"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Result is a tagged success-with-value or failure-with-reason.
type Result[T any] struct {
	Value T
	Err   error
}

// Ok wraps a successful value.
func Ok[T any](v T) Result[T] {
	return Result[T]{Value: v}
}

// Fail wraps a failure.
func Fail[T any](err error) Result[T] {
	if err == nil {
		err = errors.New("unknown error")
	}
	return Result[T]{Err: err}
}

// From builds a Result from a conventional (value, error) pair.
func From[T any](v T, err error) Result[T] {
	if err != nil {
		return Fail[T](err)
	}
	return Ok(v)
}

// OK reports success.
func (r Result[T]) OK() bool { return r.Err == nil }

// Status returns "ok" or "error".
func (r Result[T]) Status() string {
	if r.Err != nil {
		return StatusError
	}
	return StatusOK
}

// Reason returns the failure text, or "" on success.
func (r Result[T]) Reason() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Code returns the taxonomy code of the failure, or "" on success.
func (r Result[T]) Code() string {
	if r.Err == nil {
		return ""
	}
	return CodeOf(r.Err)
}

// Unwrap returns the value, or an *OpError naming op on failure.
func (r Result[T]) Unwrap(op string) (T, error) {
	if r.Err != nil {
		return r.Value, &OpError{Op: op, Reason: r.Err.Error(), Err: r.Err}
	}
	return r.Value, nil
}

// OpError is the error raised by the unwrap convention.
type OpError struct {
	Op     string
	Reason string
	Err    error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Op, e.Reason)
}

func (e *OpError) Unwrap() error { return e.Err }
