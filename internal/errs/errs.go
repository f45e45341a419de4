// Package errs defines the failure taxonomy shared by the upstream clients,
// the retry policy and the user-facing error mapping.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure
type Kind int

const (
	Unknown Kind = iota
	Configuration
	Authentication
	RateLimit
	UpstreamUnavailable
	Validation
	Storage
)

func (k Kind) String() string {
	switch k {
	case Configuration:
		return "configuration"
	case Authentication:
		return "authentication"
	case RateLimit:
		return "rate_limit"
	case UpstreamUnavailable:
		return "upstream_unavailable"
	case Validation:
		return "validation"
	case Storage:
		return "storage"
	default:
		return "unknown"
	}
}

// Error is a classified failure
type Error struct {
	Kind   Kind
	Op     string
	Status int // upstream HTTP status when known
	Err    error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Status != 0 {
		msg = fmt.Sprintf("%s: status %d", msg, e.Status)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return fmt.Sprintf("%s (%s)", msg, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a classified error
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// FromStatus classifies an upstream HTTP response status
func FromStatus(op string, status int, err error) *Error {
	e := &Error{Op: op, Status: status, Err: err}
	switch {
	case status == http.StatusTooManyRequests:
		e.Kind = RateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = Authentication
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		e.Kind = Validation
	case status == http.StatusRequestTimeout || status >= 500:
		e.Kind = UpstreamUnavailable
	default:
		e.Kind = Unknown
	}
	return e
}

// KindOf returns the kind carried by err, Unknown when unclassified.
// Context deadline errors count as UpstreamUnavailable.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return UpstreamUnavailable
	}
	return Unknown
}

// Is reports whether err carries the given kind
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether another attempt may succeed
func Retryable(err error) bool {
	switch KindOf(err) {
	case RateLimit, UpstreamUnavailable:
		return true
	default:
		return false
	}
}
