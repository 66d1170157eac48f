// Package callerr is the error taxonomy shared by the call engine and its backend.
//
// Kinds decide propagation: transport errors are absorbed by the owning loop,
// auth errors end the whole session context, validation errors are surfaced once,
// consistency errors end the reconciler only.
package callerr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindTransport   Kind = "transport"
	KindAuth        Kind = "auth"
	KindValidation  Kind = "validation"
	KindConsistency Kind = "consistency"
)

// Validation codes. Keep stable; they travel over the wire.
const (
	CodeBlocked         = "blocked"
	CodeUnavailable     = "unavailable"
	CodeCallInProgress  = "call_in_progress"
	CodeNotFound        = "not_found"
	CodeAlreadyAnswered = "already_answered"
	CodeNotCalling      = "not_calling"
	CodeInvalidArgument = "invalid_argument"
	CodeSyncFailed      = "sync_failed"
)

type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "createCall".
	Op string
	// Code is a machine-readable detail, mostly for validation errors.
	Code string
	// Status is the HTTP status when the error came from a response.
	Status int
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func Transport(op string, err error) error {
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

func Auth(op string, err error) error {
	return &Error{Kind: KindAuth, Op: op, Err: err}
}

func Validation(op, code string, err error) error {
	return &Error{Kind: KindValidation, Op: op, Code: code, Err: err}
}

func Consistency(op string, err error) error {
	return &Error{Kind: KindConsistency, Op: op, Code: CodeSyncFailed, Err: err}
}

// Validationf builds a validation error with a formatted message.
func Validationf(op, code, format string, args ...any) error {
	return Validation(op, code, fmt.Errorf(format, args...))
}

// KindOf returns the kind of err. Unclassified errors count as transport errors
// so that the owning loop retries them.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransport
}

// CodeOf returns the validation code carried by err, if any.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func IsTransport(err error) bool   { return err != nil && KindOf(err) == KindTransport }
func IsAuth(err error) bool        { return err != nil && KindOf(err) == KindAuth }
func IsValidation(err error) bool  { return err != nil && KindOf(err) == KindValidation }
func IsConsistency(err error) bool { return err != nil && KindOf(err) == KindConsistency }

// HasCode reports whether err is classified and carries code.
func HasCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}
