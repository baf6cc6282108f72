package ir

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind categorizes engine errors so callers can tell "retry me" from
// "ask the user".
type ErrorKind string

const (
	// KindInput marks malformed requests: empty ids, bad line items, unknown
	// action kinds. Input errors are never queued.
	KindInput ErrorKind = "INPUT"

	// KindNotFound marks a missing invoice, delivery note, pair or action.
	KindNotFound ErrorKind = "NOT_FOUND"

	// KindStateConflict marks a transition the current state forbids, such as
	// confirming over a matched pair. The caller must use override.
	KindStateConflict ErrorKind = "STATE_CONFLICT"

	// KindDispatch marks a retryable network or dispatch failure.
	KindDispatch ErrorKind = "DISPATCH"

	// KindExhausted marks an action that ran out of retries.
	KindExhausted ErrorKind = "EXHAUSTED"
)

// Error is the typed error returned across package boundaries.
type Error struct {
	// Kind identifies the error category.
	Kind ErrorKind

	// Op names the failing operation, e.g. "ConfirmPair".
	Op string

	// Message is a human-readable description.
	Message string

	InvoiceID      string
	DeliveryNoteID string
	PairID         string
	ActionID       string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)

	var ids []string
	if e.InvoiceID != "" {
		ids = append(ids, "invoice="+e.InvoiceID)
	}
	if e.DeliveryNoteID != "" {
		ids = append(ids, "delivery_note="+e.DeliveryNoteID)
	}
	if e.PairID != "" {
		ids = append(ids, "pair="+e.PairID)
	}
	if e.ActionID != "" {
		ids = append(ids, "action="+e.ActionID)
	}
	if len(ids) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(ids, ", "))
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf builds an *Error of the given kind with a formatted message.
func Errorf(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds an *Error of the given kind around err.
func WrapError(kind ErrorKind, op string, err error) *Error {
	msg := "failed"
	if err != nil {
		msg = err.Error()
	}
	return &Error{Kind: kind, Op: op, Message: msg, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether err should be retried by the action queue.
// Dispatch errors and deadline expiry are retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if KindOf(err) == KindDispatch {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsStateConflict reports whether err is a state-conflict error.
func IsStateConflict(err error) bool {
	return KindOf(err) == KindStateConflict
}

// IsInputError reports whether err is an input error.
func IsInputError(err error) bool {
	return KindOf(err) == KindInput
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsExhausted reports whether err is an exhausted-retry error.
func IsExhausted(err error) bool {
	return KindOf(err) == KindExhausted
}

// NotFound is shorthand for a KindNotFound error about a single entity.
func NotFound(op, entity, id string) *Error {
	e := Errorf(KindNotFound, op, "%s %q not found", entity, id)
	switch entity {
	case "invoice":
		e.InvoiceID = id
	case "delivery note":
		e.DeliveryNoteID = id
	case "pair":
		e.PairID = id
	case "action":
		e.ActionID = id
	}
	return e
}
