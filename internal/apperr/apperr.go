package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies failures surfaced by the narrative pipeline
type Kind string

const (
	KindNotFound            Kind = "not_found"
	KindProviderUnavailable Kind = "provider_unavailable"
	KindProviderRejected    Kind = "provider_rejected"
	KindProviderEmpty       Kind = "provider_empty"
	KindGenerationUnusable  Kind = "generation_unusable"
	KindInvalidState        Kind = "invalid_state"
	KindInvalidArgument     Kind = "invalid_argument"
	KindInternal            Kind = "internal"
)

// Error is the typed error carried across package boundaries
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap exposes the wrapped cause
func (e *Error) Unwrap() error {
	return e.Err
}

// Code returns the stable, client-facing code for the error kind
func (e *Error) Code() string {
	return CodeOf(e.Kind)
}

// New creates a new typed error
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// NotFound creates a NotFound error
func NotFound(format string, args ...interface{}) *Error {
	return New(KindNotFound, fmt.Sprintf(format, args...), nil)
}

// InvalidState creates an InvalidState error
func InvalidState(format string, args ...interface{}) *Error {
	return New(KindInvalidState, fmt.Sprintf(format, args...), nil)
}

// InvalidArgument creates an InvalidArgument error
func InvalidArgument(format string, args ...interface{}) *Error {
	return New(KindInvalidArgument, fmt.Sprintf(format, args...), nil)
}

// Unavailable wraps a transient failure, from the provider or a caller that
// stopped waiting; retrying later may succeed
func Unavailable(message string, cause error) *Error {
	return New(KindProviderUnavailable, message, cause)
}

// Rejected wraps an auth or quota failure from the provider
func Rejected(message string, cause error) *Error {
	return New(KindProviderRejected, message, cause)
}

// Empty reports a provider response without text
func Empty(message string) *Error {
	return New(KindProviderEmpty, message, nil)
}

// Unusable reports a response where every element failed validation
func Unusable(message string, cause error) *Error {
	return New(KindGenerationUnusable, message, cause)
}

// KindOf returns the kind of err, or KindInternal for untyped errors
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func IsNotFound(err error) bool            { return IsKind(err, KindNotFound) }
func IsInvalidState(err error) bool        { return IsKind(err, KindInvalidState) }
func IsProviderUnavailable(err error) bool { return IsKind(err, KindProviderUnavailable) }
func IsProviderRejected(err error) bool    { return IsKind(err, KindProviderRejected) }
func IsGenerationUnusable(err error) bool  { return IsKind(err, KindGenerationUnusable) }

// CodeOf maps an error kind to its stable code
func CodeOf(kind Kind) string {
	switch kind {
	case KindNotFound:
		return "NOT_FOUND"
	case KindProviderUnavailable:
		return "PROVIDER_UNAVAILABLE"
	case KindProviderRejected:
		return "PROVIDER_REJECTED"
	case KindProviderEmpty:
		return "PROVIDER_EMPTY"
	case KindGenerationUnusable:
		return "GENERATION_UNUSABLE"
	case KindInvalidState:
		return "INVALID_STATE"
	case KindInvalidArgument:
		return "INVALID_ARGUMENT"
	default:
		return "INTERNAL_ERROR"
	}
}
