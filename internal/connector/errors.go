package connector

import (
	"errors"
	"fmt"
)

// ErrorKind classifies connector failures so callers can branch on the
// class instead of parsing broker-specific messages.
type ErrorKind string

const (
	KindConnection  ErrorKind = "CONNECTION"
	KindAuth        ErrorKind = "AUTHENTICATION"
	KindUnsupported ErrorKind = "UNSUPPORTED_OPERATION"
	KindValidation  ErrorKind = "VALIDATION"
	KindRejected    ErrorKind = "REJECTED"
	KindInternal    ErrorKind = "INTERNAL"
)

// Error is the canonical connector error. Broker adapters wrap native
// failures into this type at the boundary.
type Error struct {
	Kind   ErrorKind
	Broker string
	Op     string
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s %s: %s: %v", e.Kind, e.Broker, e.Op, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s %s: %s", e.Kind, e.Broker, e.Op, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a connector error for the given class.
func NewError(kind ErrorKind, broker, op, msg string, err error) *Error {
	return &Error{Kind: kind, Broker: broker, Op: op, Msg: msg, Err: err}
}

// KindOf returns the error kind, or KindInternal for foreign errors.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

// IsUnsupported reports whether err is an unsupported-operation failure.
func IsUnsupported(err error) bool {
	return KindOf(err) == KindUnsupported
}

// IsConnection reports whether err is a connectivity failure.
func IsConnection(err error) bool {
	return KindOf(err) == KindConnection
}
