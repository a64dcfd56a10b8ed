package usecase

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrorInvalidInput  ErrorCode = "INVALID_INPUT"
	ErrorRateLimited   ErrorCode = "RATE_LIMITED"
	ErrorUpstream      ErrorCode = "UPSTREAM_ERROR"
	ErrorStaleResource ErrorCode = "STALE_RESOURCE"
	// ErrorInternal marks failures that say nothing about the request itself,
	// such as an interrupted worker. The message should be redelivered.
	ErrorInternal ErrorCode = "INTERNAL_ERROR"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Terminal reports whether the failure belongs to the request and should be
// recorded as its final status rather than retried through redelivery.
func (e *Error) Terminal() bool {
	return e != nil && e.Code != ErrorInternal
}

// CodeOf returns the code carried by err, or ErrorInternal when err is not a usecase error.
func CodeOf(err error) ErrorCode {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Code
	}
	return ErrorInternal
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}
