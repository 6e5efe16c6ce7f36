// Package vferrors defines the tagged error taxonomy used across the
// submission engine (record chain, envelope codec, transport, retry policy).
//
// A single struct carries a Kind enum plus the fields every kind needs, so a
// retry wrapper can dispatch on Kind without a type switch over N concrete
// error types.
package vferrors

import (
	"errors"
	"fmt"
)

// Kind identifies which of the seven error categories an Error belongs to.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindHash
	KindChain
	KindNetwork
	KindTimeout
	KindSoap
	KindAeat
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "ValidationError"
	case KindHash:
		return "HashError"
	case KindChain:
		return "ChainError"
	case KindNetwork:
		return "NetworkError"
	case KindTimeout:
		return "TimeoutError"
	case KindSoap:
		return "SoapError"
	case KindAeat:
		return "AeatError"
	default:
		return "UnknownError"
	}
}

// RetryHint carries a component's own opinion on whether an error is
// retryable and, if so, how long the caller should wait before retrying.
// A nil hint means the caller falls back to the default retryability table.
type RetryHint struct {
	Retryable        bool
	SuggestedDelayMs int64
}

// Error is the single concrete error type raised by every package in the
// submission engine. Kind selects the category (§7); Code is a stable
// machine-readable identifier; Message is for humans; Cause, when present,
// is the underlying error this one wraps; Field, when present, points at the
// offending record field (validation errors only); RetryHint, when present,
// overrides the retry policy's default table for this specific occurrence;
// CorrelationID, when present, ties the error back to the client call (and
// every retry attempt of that call) that produced it.
type Error struct {
	Kind          Kind
	Code          string
	Message       string
	Cause         error
	Field         string
	RetryHint     *RetryHint
	CorrelationID string
}

func (e *Error) Error() string {
	prefix := fmt.Sprintf("%s[%s]", e.Kind, e.Code)
	if e.CorrelationID != "" {
		prefix = fmt.Sprintf("%s(%s)", prefix, e.CorrelationID)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, target) match any *Error target with the same Kind
// and Code (e.g. errors.Is(err, ErrQueueTimeout)); Message, Cause and
// CorrelationID are not compared.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind && e.Code == other.Code
	}
	return false
}

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func Wrap(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

// WithField returns a copy of e with Field set, for validation errors that
// point at a specific record field.
func (e *Error) WithField(field string) *Error {
	c := *e
	c.Field = field
	return &c
}

// WithRetryHint returns a copy of e carrying an explicit retry hint, which
// the retry policy consults before falling back to its default table.
func (e *Error) WithRetryHint(retryable bool, suggestedDelayMs int64) *Error {
	c := *e
	c.RetryHint = &RetryHint{Retryable: retryable, SuggestedDelayMs: suggestedDelayMs}
	return &c
}

// WithCorrelationID returns a copy of e stamped with correlationID. The
// client attaches this at every call site (Submit, Cancel, QueryStatus and
// their …WithRetry variants) so every error a single submission produces,
// across however many retry attempts it took, shares one ID in the logs.
func (e *Error) WithCorrelationID(correlationID string) *Error {
	c := *e
	c.CorrelationID = correlationID
	return &c
}

// ErrQueueTimeout is returned by the concurrency limiter when a waiter's
// queue deadline fires before a slot frees up. It is a sentinel so callers
// can identity-compare it directly (errors.Is) instead of inspecting Code.
var ErrQueueTimeout = &Error{Kind: KindTimeout, Code: "LIMITER_QUEUE_TIMEOUT", Message: "queue wait exceeded timeout"}

// ErrCancelled is returned when a caller-propagated cancellation aborts a
// pending wait or in-flight transport call.
var ErrCancelled = &Error{Kind: KindNetwork, Code: "CANCELLED", Message: "operation cancelled"}

// Retryable reports whether err should be retried according to its own
// RetryHint (if any), falling back to the default per-kind retryability
// table keyed by Kind. It never consults a caller-supplied
// override; pkg/retry.Policy.isRetryable layers that on top.
func Retryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		if e.RetryHint != nil {
			return e.RetryHint.Retryable
		}
		switch e.Kind {
		case KindNetwork:
			return e.Code != "TLS_HANDSHAKE"
		case KindTimeout:
			return e.Code != "LIMITER_QUEUE_TIMEOUT"
		default:
			return false
		}
	}
	return false
}

// SuggestedDelayMs returns the delay (in milliseconds) err's own RetryHint
// suggests, or (0, false) if it carries none.
func SuggestedDelayMs(err error) (int64, bool) {
	var e *Error
	if errors.As(err, &e) && e.RetryHint != nil {
		return e.RetryHint.SuggestedDelayMs, true
	}
	return 0, false
}

// RetryHintOf returns err's own RetryHint and true, or (nil, false) if err
// carries none. Used by the retry policy to give an explicit per-occurrence
// hint precedence over both the caller-supplied override and the default
// retryability table.
func RetryHintOf(err error) (*RetryHint, bool) {
	var e *Error
	if errors.As(err, &e) && e.RetryHint != nil {
		return e.RetryHint, true
	}
	return nil, false
}
