// Package errs provides structured error types and helpers for signalbus.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies an error category produced by the bus or store.
type Code string

const (
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeAlreadyInitialized indicates a second Init call on a live component.
	CodeAlreadyInitialized Code = "already_initialized"
	// CodeTimeout indicates a bounded lock acquisition that did not complete in time.
	CodeTimeout Code = "timeout"
	// CodeExhausted indicates a full queue or depleted resource.
	CodeExhausted Code = "exhausted"
	// CodeUnavailable indicates the component has been closed.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the signalbus stack.
type E struct {
	Component string
	Code      Code
	Message   string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
		Message:   "",
		cause:     nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// IsCode reports whether err (or any error it wraps) carries the given code.
func IsCode(err error, code Code) bool {
	var envelope *E
	if !errors.As(err, &envelope) {
		return false
	}
	return envelope.Code == code
}
