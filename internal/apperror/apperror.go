// Package apperror defines the error taxonomy surfaced to callers. Each error
// carries a stable code, a human message, an optional recovery hint and
// optional structured details.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a class of failure.
type Code string

const (
	MissingField    Code = "MissingField"
	InvalidField    Code = "InvalidField"
	ValidationError Code = "ValidationError"
	Duplicate       Code = "Duplicate"
	Unsupported     Code = "Unsupported"
	NotFound        Code = "NotFound"
	EmbeddingFailed Code = "EmbeddingFailed"
	Internal        Code = "Internal"
)

var statuses = map[Code]int{
	MissingField:    http.StatusBadRequest,
	InvalidField:    http.StatusBadRequest,
	ValidationError: http.StatusUnprocessableEntity,
	Duplicate:       http.StatusConflict,
	Unsupported:     http.StatusUnsupportedMediaType,
	NotFound:        http.StatusNotFound,
	EmbeddingFailed: http.StatusBadGateway,
	Internal:        http.StatusInternalServerError,
}

// Error is a classified failure.
type Error struct {
	Code     Code           `json:"code"`
	Message  string         `json:"message"`
	Recovery string         `json:"recovery,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	Cause    error          `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Status returns the HTTP status for the error's code.
func (e *Error) Status() int {
	if s, ok := statuses[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// WithRecovery sets the recovery hint.
func (e *Error) WithRecovery(hint string) *Error {
	e.Recovery = hint
	return e
}

// WithDetails merges details into the error.
func (e *Error) WithDetails(details map[string]any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// New returns an error with the given code and message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an error with the given code that wraps cause.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Missing reports a required field that was not provided.
func Missing(field string) *Error {
	return New(MissingField, "%s is required", field).WithDetails(map[string]any{"field": field})
}

// Invalid reports a field with a malformed value.
func Invalid(field, reason string) *Error {
	return New(InvalidField, "%s is invalid: %s", field, reason).WithDetails(map[string]any{"field": field})
}

// DuplicateOf reports that the content already exists as cid.
func DuplicateOf(cid string, similarity float64) *Error {
	e := New(Duplicate, "resource already exists").WithDetails(map[string]any{
		"cid":        cid,
		"similarity": similarity,
	})
	if similarity >= 1 {
		return e.WithRecovery("Reuse the returned CID instead of uploading")
	}
	return e.WithRecovery("Consider linking to the existing CID instead of re-uploading")
}

// NotFoundf reports a missing record.
func NotFoundf(format string, args ...any) *Error {
	return New(NotFound, format, args...)
}

// From classifies err. Errors that are already classified pass through;
// anything else becomes Internal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return Wrap(Internal, err, "internal error")
}

// Is reports whether err is classified with code.
func Is(err error, code Code) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Code == code
}
