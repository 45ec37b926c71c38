// Package apperr defines Pidgeon's error taxonomy. The store, mailbox
// and support packages classify the errors they return into one of five
// kinds so callers can branch on behavior instead of string-matching
// messages; errors from the other packages are not classified.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how the caller should react to it.
type Kind int

const (
	// KindValidation means the input was malformed; reject, do not retry.
	KindValidation Kind = iota
	// KindAuthorization means the actor is not permitted to do this.
	KindAuthorization
	// KindGateRejection means a support/economic gate refused the request.
	KindGateRejection
	// KindTransientIO means a retry may succeed (relay timeout, locked db).
	KindTransientIO
	// KindPermanentPublish means publish was attempted and definitively
	// failed (e.g. repost target resolved to a non-kind-1 event).
	KindPermanentPublish
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindGateRejection:
		return "gate_rejection"
	case KindTransientIO:
		return "transient_io"
	case KindPermanentPublish:
		return "permanent_publish"
	default:
		return "unknown"
	}
}

// Error is a classified error wrapping an underlying cause.
type Error struct {
	Kind Kind
	Op   string // short operation name, e.g. "intake.dispatch"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validation wraps err as a KindValidation error.
func Validation(op string, err error) error { return New(KindValidation, op, err) }

// Authorization wraps err as a KindAuthorization error.
func Authorization(op string, err error) error { return New(KindAuthorization, op, err) }

// GateRejection wraps err as a KindGateRejection error.
func GateRejection(op string, err error) error { return New(KindGateRejection, op, err) }

// TransientIO wraps err as a KindTransientIO error.
func TransientIO(op string, err error) error { return New(KindTransientIO, op, err) }

// PermanentPublish wraps err as a KindPermanentPublish error.
func PermanentPublish(op string, err error) error { return New(KindPermanentPublish, op, err) }

// Is reports whether err (or something it wraps) is an *Error of kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Validationf/Authorizationf/etc. are fmt-style convenience constructors.
func Validationf(op, format string, args ...any) error {
	return Validation(op, fmt.Errorf(format, args...))
}

func Authorizationf(op, format string, args ...any) error {
	return Authorization(op, fmt.Errorf(format, args...))
}

func GateRejectionf(op, format string, args ...any) error {
	return GateRejection(op, fmt.Errorf(format, args...))
}

func TransientIOf(op, format string, args ...any) error {
	return TransientIO(op, fmt.Errorf(format, args...))
}

func PermanentPublishf(op, format string, args ...any) error {
	return PermanentPublish(op, fmt.Errorf(format, args...))
}
