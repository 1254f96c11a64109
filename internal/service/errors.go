package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/BTCDecoded/governance-app/internal/audit"
	"github.com/BTCDecoded/governance-app/internal/crypto"
	"github.com/BTCDecoded/governance-app/internal/governance"
	"github.com/BTCDecoded/governance-app/internal/storage"
)

// Kind classifies an AppError for callers that react to the category rather
// than the specific code.
type Kind string

const (
	KindInput      Kind = "input"
	KindAuth       Kind = "auth"
	KindPolicy     Kind = "policy"
	KindConflict   Kind = "conflict"
	KindTransient  Kind = "transient"
	KindCorruption Kind = "corruption"
	KindInternal   Kind = "internal"
)

type AppError struct {
	HTTPStatus int
	Code       string
	Message    string
	Retryable  bool
	Kind       Kind
	Cause      error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func NewAppError(status int, code, msg string, retryable bool, cause error) *AppError {
	return &AppError{
		HTTPStatus: status,
		Code:       code,
		Message:    msg,
		Retryable:  retryable,
		Kind:       kindForStatus(status),
		Cause:      cause,
	}
}

func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusConflict:
		return KindConflict
	case status == http.StatusServiceUnavailable:
		return KindTransient
	case status >= 500:
		return KindInternal
	default:
		return KindInput
	}
}

func IsCode(err error, code string) bool {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return false
	}
	return appErr.Code == code
}

// KindOf returns the error's kind, or KindInternal for errors that never
// passed through the service.
func KindOf(err error) Kind {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return KindInternal
	}
	return appErr.Kind
}

func Internal(msg string, cause error) *AppError {
	return NewAppError(http.StatusInternalServerError, "INTERNAL_ERROR", msg, true, cause)
}

// InputError rejects a request at the edge. MISSING_FIELD maps to 422, every
// other input code to 400.
func InputError(code, msg string, cause error) *AppError {
	status := http.StatusBadRequest
	if code == "MISSING_FIELD" {
		status = http.StatusUnprocessableEntity
	}
	return NewAppError(status, code, msg, false, cause)
}

func NotFound(msg string) *AppError {
	return NewAppError(http.StatusNotFound, "NOT_FOUND", msg, false, storage.ErrNotFound)
}

func AuthError(code, msg string, cause error) *AppError {
	e := NewAppError(http.StatusForbidden, code, msg, false, cause)
	e.Kind = KindAuth
	return e
}

// PolicyErr surfaces a state machine refusal. The code is the upper-cased
// governance reason code, which stays stable across releases.
func PolicyErr(pe *governance.PolicyError) *AppError {
	return &AppError{
		HTTPStatus: http.StatusConflict,
		Code:       strings.ToUpper(pe.Code),
		Message:    pe.Message,
		Kind:       KindPolicy,
		Cause:      pe,
	}
}

func ConflictError(msg string, cause error) *AppError {
	e := NewAppError(http.StatusConflict, "CONFLICT", msg, true, cause)
	e.Kind = KindConflict
	return e
}

func TransientError(msg string, cause error) *AppError {
	e := NewAppError(http.StatusServiceUnavailable, "UNAVAILABLE", msg, true, cause)
	e.Kind = KindTransient
	return e
}

func CorruptionError(msg string, cause error) *AppError {
	e := NewAppError(http.StatusServiceUnavailable, "AUDIT_LOG_CORRUPTED", msg, false, cause)
	e.Kind = KindCorruption
	return e
}

// classify converts an error escaping a storage transaction into an
// AppError. Errors that already carry a classification pass through.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	var pe *governance.PolicyError
	if errors.As(err, &pe) {
		return PolicyErr(pe)
	}
	var broken *audit.BrokenChainError
	var badTS *audit.BadTimestampError
	var dupJob *audit.DuplicateJobIDError
	var mismatch *audit.MerkleMismatchError
	switch {
	case errors.As(err, &broken), errors.As(err, &badTS), errors.As(err, &dupJob), errors.As(err, &mismatch):
		return CorruptionError(op, err)
	case errors.Is(err, crypto.ErrMalformedKey), errors.Is(err, crypto.ErrMalformedSignature):
		return InputError("MALFORMED_SIGNATURE", op, err)
	case errors.Is(err, crypto.ErrMismatch):
		return AuthError("SIGNATURE_INVALID", op, err)
	case errors.Is(err, storage.ErrNotFound):
		return NewAppError(http.StatusNotFound, "NOT_FOUND", op, false, err)
	case errors.Is(err, storage.ErrConflict):
		return ConflictError(op, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return TransientError(op, err)
	default:
		return Internal(op, err)
	}
}
