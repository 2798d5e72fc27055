package product

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable machine readable error code.
type Code string

// Error codes surfaced over HTTP and recorded in the reply stream.
const (
	CodeValidation         Code = "ERR_VALIDATION"
	CodeLockConflict       Code = "ERR_LOCK_CONFLICT"
	CodeRateLimitExceeded  Code = "ERR_RATE_LIMIT_EXCEEDED"
	CodeElementNotFound    Code = "ERR_ELEMENT_NOT_FOUND"
	CodeUnhandledException Code = "ERR_UNHANDLED_EXCEPTION"
	CodeUnexpected         Code = "ERR_UNEXPECTED_ERROR"
)

// Status is the HTTP status a request failing with c is answered with.
func (c Code) Status() int {
	switch c {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeLockConflict:
		return http.StatusConflict
	case CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Error is a coded error. It serializes as {code, message, meta} and can wrap
// an underlying cause that is never serialized.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Meta    map[string]any `json:"meta,omitempty"`

	cause error
}

// NewError builds an Error with the given code and message.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf builds an Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error from cause, reusing its message.
func Wrap(code Code, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Code: code, Message: cause.Error(), cause: cause}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// WithMeta returns e after setting meta[key] = value.
func (e *Error) WithMeta(key string, value any) *Error {
	if e.Meta == nil {
		e.Meta = make(map[string]any)
	}
	e.Meta[key] = value
	return e
}

// CodeOf extracts the Code carried by err, or CodeUnexpected.
func CodeOf(err error) Code {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeUnexpected
}

// AsError returns the *Error carried by err or wraps err under fallback.
func AsError(err error, fallback Code) *Error {
	var coded *Error
	if errors.As(err, &coded) {
		return coded
	}
	return Wrap(fallback, err)
}
