package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures across the ordering pipeline.
type ErrorKind string

const (
	KindTranscription      ErrorKind = "TranscriptionError"
	KindParse              ErrorKind = "ParseError"
	KindAmbiguousItem      ErrorKind = "AmbiguousItemError"
	KindInvalidQuantity    ErrorKind = "InvalidQuantity"
	KindAuthExpired        ErrorKind = "AuthExpired"
	KindProductNotFound    ErrorKind = "ProductNotFound"
	KindBackendUnavailable ErrorKind = "BackendUnavailable"
	KindCheckoutDeclined   ErrorKind = "CheckoutDeclined"
	KindNetworkTimeout     ErrorKind = "NetworkTimeout"
	KindNotConfirmed       ErrorKind = "NotConfirmed"
	KindCanceled           ErrorKind = "Canceled"
	KindKeyConflict        ErrorKind = "IdempotencyKeyConflict"
	// KindCheckoutUnknown means a checkout was sent but its outcome was never
	// recorded, and it cannot be safely sent again.
	KindCheckoutUnknown    ErrorKind = "CheckoutOutcomeUnknown"
)

// Error is a classified pipeline error. Reason carries the platform's own
// wording when there is one (e.g. a checkout decline).
type Error struct {
	Kind   ErrorKind
	Item   string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Item != "" {
		msg += fmt.Sprintf(" [%s]", e.Item)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient reports whether the error is safe to retry as-is.
func (e *Error) Transient() bool {
	return e.Kind == KindNetworkTimeout
}

// NewError builds a classified error with a reason.
func NewError(kind ErrorKind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// WrapError classifies an underlying error.
func WrapError(kind ErrorKind, err error, reason string) *Error {
	return &Error{Kind: kind, Err: err, Reason: reason}
}

// ItemError builds a classified error attached to one grocery item.
func ItemError(kind ErrorKind, item, reason string) *Error {
	return &Error{Kind: kind, Item: item, Reason: reason}
}

// KindOf returns the kind of the first classified error in err's chain, or
// "" when none is present.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err's chain carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// ReasonOf returns the reason recorded on the first classified error, falling
// back to the error text.
func ReasonOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Reason != "" {
		return e.Reason
	}
	return err.Error()
}
