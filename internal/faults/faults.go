// Package faults defines the stable, enumerable error kinds surfaced by
// Recall, and the transient/deterministic classification that drives LLM
// provider fallback and extraction retries.
package faults

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind is a stable error category. Kinds appear verbatim in error response
// envelopes and in metrics labels, so values must not change.
type Kind string

const (
	SignatureMissing    Kind = "SignatureMissing"
	SignatureMalformed  Kind = "SignatureMalformed"
	SignatureStale      Kind = "SignatureStale"
	SignatureMismatch   Kind = "SignatureMismatch"
	PayloadSchema       Kind = "PayloadSchema"
	PayloadTooLarge     Kind = "PayloadTooLarge"
	DeadlineExceeded    Kind = "DeadlineExceeded"
	UpstreamUnavailable Kind = "UpstreamUnavailable"
	UpstreamRateLimited Kind = "UpstreamRateLimited"
	InvalidLLMOutput    Kind = "InvalidLLMOutput"
	StoreUnavailable    Kind = "StoreUnavailable"
	StoreConflict       Kind = "StoreConflict"
	ProfileUnavailable  Kind = "ProfileUnavailable"
	QueueOverflow       Kind = "QueueOverflow"
	Internal            Kind = "Internal"
)

// Error is a categorized error. It wraps an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a categorized error without a cause.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a categorized error wrapping a cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf returns the kind of err, mapping uncategorized errors to Internal
// and context deadline errors to DeadlineExceeded.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return DeadlineExceeded
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Transient reports whether err represents a failure worth retrying:
// timeouts, upstream unavailability, rate limits, store outages. Schema and
// validation failures are deterministic and never retried.
func Transient(err error) bool {
	switch KindOf(err) {
	case DeadlineExceeded, UpstreamUnavailable, UpstreamRateLimited, StoreUnavailable:
		return true
	}
	return false
}

// HTTPStatus maps an error to the response status code via its kind.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case SignatureMissing, SignatureMalformed, SignatureStale, SignatureMismatch:
		return http.StatusUnauthorized
	case PayloadSchema:
		return http.StatusBadRequest
	case PayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case UpstreamRateLimited:
		return http.StatusTooManyRequests
	case UpstreamUnavailable, StoreUnavailable, ProfileUnavailable:
		return http.StatusServiceUnavailable
	case DeadlineExceeded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// TransientHTTPStatus reports whether an upstream HTTP status should be
// treated as transient (retry / provider fallback).
func TransientHTTPStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}
