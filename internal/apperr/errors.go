// Package apperr defines the error kinds shared by the store, gateway and
// orchestration layers.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

type Kind string

const (
	KindStoreUnavailable   Kind = "store_unavailable"
	KindGatewayUnavailable Kind = "gateway_unavailable"
	KindGatewayRejected    Kind = "gateway_rejected"
	KindRunFailed          Kind = "run_failed"
	KindRunCancelled       Kind = "run_cancelled"
	KindRunTimedOut        Kind = "run_timed_out"
	KindConversationBusy   Kind = "conversation_busy"
	KindInvalidRequest     Kind = "invalid_request"
	KindCanceled           Kind = "canceled"
	KindInternal           Kind = "internal"
)

// Sentinels for errors.Is. Matching is by kind only.
var (
	ErrStoreUnavailable   = &Error{Kind: KindStoreUnavailable}
	ErrGatewayUnavailable = &Error{Kind: KindGatewayUnavailable}
	ErrGatewayRejected    = &Error{Kind: KindGatewayRejected}
	ErrRunFailed          = &Error{Kind: KindRunFailed}
	ErrRunCancelled       = &Error{Kind: KindRunCancelled}
	ErrRunTimedOut        = &Error{Kind: KindRunTimedOut}
	ErrConversationBusy   = &Error{Kind: KindConversationBusy}
	ErrInvalidRequest     = &Error{Kind: KindInvalidRequest}
	ErrCanceled           = &Error{Kind: KindCanceled}
)

// Error is a classified failure. Op names the operation that failed,
// Message is safe for server-side logs, Err is the underlying cause.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds a classified error without a cause.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost *Error in err's chain. Context
// errors that were never classified map to KindCanceled.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}
	return KindInternal
}

// IsTransient reports whether a retry of the same call may succeed.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindGatewayUnavailable, KindStoreUnavailable:
		return true
	}
	return false
}

// PublicMessage is the generic text shown to end users for a kind.
func PublicMessage(kind Kind) string {
	switch kind {
	case KindInvalidRequest:
		return "The request was invalid. Please check your input and try again."
	case KindConversationBusy:
		return "A reply to your previous message is still in progress. Please wait a moment."
	case KindRunTimedOut:
		return "The assistant took too long to answer. Please try again."
	case KindRunCancelled:
		return "The assistant run was cancelled."
	case KindRunFailed:
		return "The assistant could not produce an answer. Please try again."
	case KindGatewayUnavailable, KindGatewayRejected:
		return "The assistant service is unavailable right now. Please try again later."
	case KindStoreUnavailable:
		return "Your conversation could not be saved. Please try again later."
	case KindCanceled:
		return "The request was cancelled."
	}
	return "Something went wrong. Please try again later."
}
