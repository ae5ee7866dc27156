package domain

import (
	"context"
	"errors"
	"fmt"
)

// Code is the stable machine-readable error code surfaced at the API
// boundary. Transports map codes to their own status vocabularies; the
// code string itself never changes meaning.
type Code string

const (
	CodeInvalidParam       Code = "INVALID_PARAM"
	CodeInvalidTransition  Code = "INVALID_TRANSITION"
	CodeAgreementInactive  Code = "AGREEMENT_INACTIVE"
	CodeMissingIdempotency Code = "MISSING_IDEMPOTENCY"
	CodeDuplicate          Code = "DUPLICATE"
	CodeNotFound           Code = "NOT_FOUND"
	CodeTimeout            Code = "TIMEOUT"
	CodeUpstreamTimeout    Code = "UPSTREAM_TIMEOUT"
	CodeSourceError        Code = "SOURCE_ERROR"
	CodeInternal           Code = "INTERNAL"
)

// Error pairs a machine code with a human message and an optional cause.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// NewError builds an Error with a formatted message.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a code to an existing error, keeping the cause
// reachable for errors.Is/As.
func WrapError(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: err}
}

// CodeOf extracts the machine code from err. Deadline expiry maps to
// CodeTimeout so adapter call sites need no special case; anything
// unclassified is CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	return CodeInternal
}
