package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for transport mapping and gate policy decisions.
type Kind int

const (
	KindValidation Kind = iota
	KindNotFound
	KindAuthorization
	KindStoreUnavailable
	KindRateExceeded
	KindInternal
)

// AppError is the service-wide error type. Every error crossing a component
// boundary is either an AppError or wraps one.
type AppError struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (caused by: %v)", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

func NewValidation(format string, args ...interface{}) *AppError {
	return &AppError{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func NewNotFound(format string, args ...interface{}) *AppError {
	return &AppError{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func NewAuthorization(format string, args ...interface{}) *AppError {
	return &AppError{Kind: KindAuthorization, Message: fmt.Sprintf(format, args...)}
}

func NewStoreUnavailable(format string, args ...interface{}) *AppError {
	return &AppError{Kind: KindStoreUnavailable, Message: fmt.Sprintf(format, args...)}
}

func NewRateExceeded(format string, args ...interface{}) *AppError {
	return &AppError{Kind: KindRateExceeded, Message: fmt.Sprintf(format, args...)}
}

// IsKind reports whether err (or anything it wraps) is an AppError of kind k.
func IsKind(err error, k Kind) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind == k
	}
	return false
}

// StatusCode maps an error to its HTTP status. Unknown errors are 500s;
// store unavailability surfaces as 503 so callers can distinguish an outage
// from a bug.
func StatusCode(err error) int {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return http.StatusInternalServerError
	}
	switch appErr.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindAuthorization:
		return http.StatusForbidden
	case KindStoreUnavailable:
		return http.StatusServiceUnavailable
	case KindRateExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
