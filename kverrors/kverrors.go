// Package kverrors defines the error taxonomy from §7 of the storage spec.
// It uses github.com/juju/errors so callers get stable, comparable causes
// (IsCorrupt, IsClientError) plus annotation, the way the teacher's
// transaction_manager.go leans on a single sentinel-error style for engine
// state errors.
package kverrors

import (
	"fmt"

	"github.com/juju/errors"
)

// Kind classifies a failure per §7's propagation policy.
type Kind int

const (
	KindClient Kind = iota
	KindCorrupt
	KindAborted
	KindIO
)

// Error is the concrete error type returned by engine-level failures.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Cause() error { return e.cause }

func new(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, cause: cause}
}

// ClientError reports misuse of the API: operating on a closed transaction,
// invalid arguments. Does not roll back other transactions.
func ClientError(msg string, args ...interface{}) error {
	return new(KindClient, fmt.Sprintf(msg, args...), nil)
}

// DatabaseCorrupt reports structural corruption: unreadable log framing
// beyond the recoverable tail, or page deserialization failure. Fatal.
func DatabaseCorrupt(msg string, cause error) error {
	if cause != nil {
		return errors.Annotate(new(KindCorrupt, msg, cause), "database corrupt")
	}
	return new(KindCorrupt, msg, nil)
}

// Aborted reports a transaction aborted by the dispatcher: deadlock victim
// selection or idle-timeout reaping (§5, §7).
func Aborted(txID uint32, reason string) error {
	return new(KindAborted, fmt.Sprintf("tx %d aborted: %s", txID, reason), nil)
}

// IO wraps a filesystem error as fatal (§7: "the process must not continue
// using the database").
func IO(msg string, cause error) error {
	return new(KindIO, msg, cause)
}

func IsClientError(err error) bool   { return kindOf(err) == KindClient }
func IsCorrupt(err error) bool       { return kindOf(err) == KindCorrupt }
func IsAborted(err error) bool       { return kindOf(err) == KindAborted }
func IsIO(err error) bool            { return kindOf(err) == KindIO }

func kindOf(err error) Kind {
	var e *Error
	for err != nil {
		if ee, ok := err.(*Error); ok {
			e = ee
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e == nil {
		return -1
	}
	return e.Kind
}
