// Package ejerr defines the error-kind taxonomy shared by the dispatcher,
// builder, and CLI so callers can branch on what went wrong (§7) without
// depending on a specific error-wrapping library — the example corpus
// never reaches for one, so wrapping follows the teacher's plain
// fmt.Errorf("%w") idiom and this package only adds the kind tag.
package ejerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the dispatcher's and builder's reply paths.
type Kind string

const (
	BadRequest           Kind = "bad_request"
	AuthFailed           Kind = "auth_failed"
	NoBuilders           Kind = "no_builders"
	BuilderProtocolError Kind = "builder_protocol_error"
	ScriptFailed         Kind = "script_failed"
	Timeout              Kind = "timeout"
	Cancelled            Kind = "cancelled"
	StorageError         Kind = "storage_error"
	CheckoutFailed       Kind = "checkout_failed"
)

// Error pairs a Kind with the underlying cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with kind. A nil err still produces a non-nil *Error
// carrying just the kind, for callers that want to signal a kind without
// an underlying cause.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Of returns the Kind of err if it (or something it wraps) is an *Error,
// and ok=false otherwise.
func Of(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err is (or wraps) an *Error of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := Of(err)
	return ok && k == kind
}
