// Package apperr defines the error taxonomy shared by the escrow engine.
//
// Every failure that crosses a component boundary carries a stable Kind
// that callers can switch on, plus a human-readable detail. Packages keep
// their own sentinel errors and wrap them with a Kind at the service layer.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind is a stable, machine-readable error category.
type Kind string

const (
	KindValidation             Kind = "VALIDATION"
	KindGuardViolation         Kind = "GUARD_VIOLATION"
	KindConcurrentModification Kind = "CONCURRENT_MODIFICATION"
	KindIdempotentReplay       Kind = "IDEMPOTENT_REPLAY"
	KindGatewayError           Kind = "GATEWAY_ERROR"
	KindOTPInvalid             Kind = "OTP_INVALID"
	KindOTPExpired             Kind = "OTP_EXPIRED"
	KindOTPLocked              Kind = "OTP_LOCKED"
	KindNoPayoutMethod         Kind = "NO_PAYOUT_METHOD"
	KindNotFound               Kind = "NOT_FOUND"
	KindUnauthorized           Kind = "UNAUTHORIZED"
	KindInternal               Kind = "INTERNAL"
)

// Error is a categorized error.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Detail != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	case e.Detail != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error. A nil err returns nil.
func Wrap(kind Kind, err error, detail string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// KindOf returns the kind of the outermost categorized error in err's chain,
// or KindInternal when none is present.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Detail returns the detail message of a categorized error, falling back to
// err.Error().
func Detail(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Detail != "" {
		return e.Detail
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// HTTPStatus maps a kind to the response status used by the HTTP handlers.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation, KindOTPInvalid:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindGuardViolation, KindConcurrentModification, KindNoPayoutMethod:
		return http.StatusConflict
	case KindOTPExpired:
		return http.StatusGone
	case KindOTPLocked:
		return http.StatusTooManyRequests
	case KindGatewayError:
		return http.StatusBadGateway
	case KindIdempotentReplay:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// Code is the lower-case form used in JSON error bodies ("guard_violation").
func Code(kind Kind) string {
	return strings.ToLower(string(kind))
}
