// Package clerr defines the error taxonomy shared by every Cloudillo
// subsystem. Adapters and services return a *Error built from one of the
// Kind sentinels below; HTTP-surface code (out of scope here) is expected
// to translate Kind to a status code at the boundary.
package clerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure the way every adapter and service in this
// module reports it.
type Kind string

const (
	NotFound           Kind = "not_found"
	Unauthorized       Kind = "unauthorized"
	PermissionDenied   Kind = "permission_denied"
	ValidationError    Kind = "validation_error"
	Conflict           Kind = "conflict"
	Timeout            Kind = "timeout"
	NetworkError       Kind = "network_error"
	DbError            Kind = "db_error"
	Internal           Kind = "internal"
	Parse              Kind = "parse"
	ServiceUnavailable Kind = "service_unavailable"
)

// Error is the concrete error type returned across adapter and service
// boundaries. detail is free-form context; it is never shown verbatim to
// a caller who should not learn which check failed (see Unauthorized
// usage in the action-token and PoW verification paths).
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes clerr.Error comparable against the Kind sentinels with
// errors.Is(err, clerr.NotFound) et al.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

func Wrap(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

func Is(err error, kind Kind) bool {
	return errors.Is(err, &Error{Kind: kind})
}

// Sentinels for the handful of conditions checked with == or errors.Is
// across packages without needing a detail string.
var (
	ErrNotFound     = New(NotFound, "")
	ErrUnauthorized = New(Unauthorized, "")
	ErrConflict     = New(Conflict, "")
)
