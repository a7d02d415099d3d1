// Package errs provides the error taxonomy shared across the collector.
package errs

import (
	"errors"
	"fmt"
)

// Code identifies an error category.
type Code string

const (
	// CodeTransient indicates a fault expected to clear on retry: network
	// resets, 5xx, 429, serialization failures, heartbeat timeouts.
	CodeTransient Code = "transient"
	// CodePermanent indicates a fault retrying will not fix: malformed
	// responses, schema violations, unknown instruments.
	CodePermanent Code = "permanent"
	// CodeNotFound indicates a missing resource, typically an instrument
	// that expired between listing and the call.
	CodeNotFound Code = "not_found"
	// CodeCapacity indicates a per-session subscription cap breach.
	CodeCapacity Code = "capacity_exceeded"
	// CodeConfig indicates invalid or missing startup configuration.
	CodeConfig Code = "configuration"
)

// E is the structured error carried between collector components.
type E struct {
	Code    Code
	Message string
	cause   error
}

func (e *E) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *E) Unwrap() error { return e.cause }

// New constructs an error with the given code and message.
func New(code Code, message string) *E {
	return &E{Code: code, Message: message}
}

// Wrap constructs an error with the given code wrapping a cause.
func Wrap(code Code, message string, cause error) *E {
	return &E{Code: code, Message: message, cause: cause}
}

// Transient wraps err as a transient fault.
func Transient(message string, cause error) *E {
	return Wrap(CodeTransient, message, cause)
}

// Permanent wraps err as a permanent fault.
func Permanent(message string, cause error) *E {
	return Wrap(CodePermanent, message, cause)
}

// NotFound constructs a not-found error for the named resource.
func NotFound(name string) *E {
	return New(CodeNotFound, name)
}

// Capacity constructs a capacity-exceeded error.
func Capacity(message string) *E {
	return New(CodeCapacity, message)
}

// Config constructs a configuration error.
func Config(message string) *E {
	return New(CodeConfig, message)
}

// CodeOf returns the code of err, or empty when err carries no code.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsTransient reports whether err is a transient fault.
func IsTransient(err error) bool { return CodeOf(err) == CodeTransient }

// IsPermanent reports whether err is a permanent fault.
func IsPermanent(err error) bool { return CodeOf(err) == CodePermanent }

// IsNotFound reports whether err is a not-found fault.
func IsNotFound(err error) bool { return CodeOf(err) == CodeNotFound }

// IsCapacity reports whether err is a capacity breach.
func IsCapacity(err error) bool { return CodeOf(err) == CodeCapacity }
