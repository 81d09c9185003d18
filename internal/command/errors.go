package command

import (
	"errors"
	"net/http"
)

// ErrorKind classifies a failed command.
type ErrorKind string

const (
	// Validation: bad or missing request fields. Never caused by a side effect.
	Validation ErrorKind = "validation"
	// NotFound: a required OS utility is absent.
	NotFound ErrorKind = "not_found"
	// Timeout: a process exceeded its bound.
	Timeout ErrorKind = "timeout"
	// Execution: non-zero exit or transport failure.
	Execution ErrorKind = "execution"
	// Unexpected: anything else.
	Unexpected ErrorKind = "unexpected"
)

// HTTPStatus maps the kind onto the gateway's status codes.
func (k ErrorKind) HTTPStatus() int {
	if k == Validation {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// Error is a classified command error.
type Error struct {
	Kind    ErrorKind
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// WithDetails attaches extra response fields and returns e.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

func NewValidationError(msg string) *Error {
	return &Error{Kind: Validation, Message: msg}
}

func NewNotFoundError(msg string, err error) *Error {
	return &Error{Kind: NotFound, Message: msg, Err: err}
}

func NewTimeoutError(msg string) *Error {
	return &Error{Kind: Timeout, Message: msg}
}

func NewExecutionError(msg string, err error) *Error {
	return &Error{Kind: Execution, Message: msg, Err: err}
}

func NewUnexpectedError(msg string, err error) *Error {
	return &Error{Kind: Unexpected, Message: msg, Err: err}
}

// KindOf returns the kind carried by err, or Unexpected.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return Unexpected
}
