// Package sandboxerr defines the structured error taxonomy shared by every
// broker, wrapper, and supervisor component at the host/sandbox boundary.
package sandboxerr

import (
	"errors"
	"fmt"
	"time"
)

// Code enumerates the boundary error taxonomy from the IPC surface spec.
type Code string

const (
	NotFound         Code = "NOT_FOUND"
	InvalidArgument  Code = "INVALID_ARGUMENT"
	PathEscape       Code = "PATH_ESCAPE"
	IdentityMismatch Code = "IDENTITY_MISMATCH"
	CapabilityDenied Code = "CAPABILITY_DENIED"
	RateLimited      Code = "RATE_LIMITED"
	Timeout          Code = "TIMEOUT"
	ResourceExceeded Code = "RESOURCE_EXCEEDED"
	SandboxCrash     Code = "SANDBOX_CRASH"
	Internal         Code = "INTERNAL"
)

// Error is the structured error returned across the IPC boundary. The
// plugin never observes host internal state beyond this shape.
type Error struct {
	Code       Code
	Message    string
	RetryAfter time.Duration // only meaningful for RateLimited
	Kind       string        // only meaningful for ResourceExceeded
	err        error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.err }

// Is supports errors.Is comparisons against a bare Code-carrying sentinel.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, err: err}
}

func NewRateLimited(retryAfter time.Duration) *Error {
	return &Error{Code: RateLimited, Message: "rate limit exceeded", RetryAfter: retryAfter}
}

func NewResourceExceeded(kind string) *Error {
	return &Error{Code: ResourceExceeded, Message: "resource limit exceeded", Kind: kind}
}

// CodeOf extracts the Code from err, defaulting to Internal for unrecognized
// errors so callers never leak unstructured error strings across the
// boundary.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}
