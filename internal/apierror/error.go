// Package apierror defines the small error taxonomy shared by every
// component that can fail in a way an HTTP client needs to understand.
package apierror

import (
	"fmt"
	"net/http"
)

// Type classifies an ApiError into one of the six kinds the API surface maps
// to an HTTP status code and a stable reason string.
type Type int

const (
	InvalidArgument Type = iota + 1
	InvalidState
	NotFound
	RateLimit
	External
	Internal
)

func (t Type) reason() string {
	switch t {
	case InvalidArgument:
		return "ERR_INVALID_ARGUMENT"
	case InvalidState:
		return "ERR_INVALID_STATE"
	case NotFound:
		return "ERR_NOT_FOUND"
	case RateLimit:
		return "ERR_RATE_LIMIT"
	case External:
		return "ERR_EXTERNAL"
	case Internal:
		return "ERR_INTERNAL"
	default:
		return "ERR_INTERNAL"
	}
}

func (t Type) statusCode() int {
	switch t {
	case InvalidArgument, InvalidState, RateLimit:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case External, Internal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// ApiError is the error type returned by every store, config, and handler
// operation that can fail in a client-meaningful way.
type ApiError struct {
	Type    Type
	Message string
}

// New constructs an ApiError.
func New(t Type, message string) *ApiError {
	return &ApiError{Type: t, Message: message}
}

// NotFound constructs a NotFound ApiError for a thing named by `name`.
func NotFound(name string) *ApiError {
	return &ApiError{Type: NotFound, Message: fmt.Sprintf("%s not found.", name)}
}

// Wrap classifies an arbitrary error as type t, preserving its message; an
// error that already is an *ApiError is returned unchanged. Used at the
// boundary with the store and the filesystem.
func Wrap(t Type, err error) *ApiError {
	if err == nil {
		return nil
	}
	if ae, ok := err.(*ApiError); ok {
		return ae
	}
	return &ApiError{Type: t, Message: err.Error()}
}

func (e *ApiError) Error() string {
	return e.Message
}

// Reason returns the stable machine-readable reason string, e.g. "ERR_NOT_FOUND".
func (e *ApiError) Reason() string {
	return e.Type.reason()
}

// StatusCode returns the HTTP status this error maps to.
func (e *ApiError) StatusCode() int {
	return e.Type.statusCode()
}

// Code returns the numeric code (1..6) carried in the JSON error envelope.
func (e *ApiError) Code() int {
	return int(e.Type)
}
