// Package fault classifies failures so callers can decide between retrying,
// escalating, and reporting without inspecting error strings.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind groups errors by how the caller should react.
type Kind string

const (
	// KindTransient covers timeouts, network errors and 5xx responses. Retry may succeed.
	KindTransient Kind = "transient"
	// KindValidation covers malformed input or missing references. Retry never helps.
	KindValidation Kind = "validation"
	// KindContention means a lock is held elsewhere. Not an error for the caller.
	KindContention Kind = "contention"
	// KindExhaustion means the retry budget is spent.
	KindExhaustion Kind = "exhaustion"
	// KindIntegrity means stored state is inconsistent and needs repair or a human.
	KindIntegrity Kind = "integrity"
)

func (k Kind) String() string {
	return string(k)
}

// Retryable reports whether another attempt may succeed.
func (k Kind) Retryable() bool {
	return k == KindTransient
}

// Code identifies a specific failure inside a kind. Codes are persisted on
// task records and alerts.
type Code string

const (
	CodeTimeout       Code = "TIMEOUT"
	CodeUnavailable   Code = "UNAVAILABLE"
	CodeInvalidInput  Code = "INVALID_INPUT"
	CodeNotFound      Code = "NOT_FOUND"
	CodeLockHeld      Code = "LOCK_HELD"
	CodeMaxRetries    Code = "MAX_RETRIES"
	CodeTaskTimeout   Code = "TASK_TIMEOUT"
	CodeTaskIntegrity Code = "TASK_INTEGRITY"
	CodeInternal      Code = "INTERNAL"
)

// DefaultKind returns the kind a code belongs to when none is given.
func (c Code) DefaultKind() Kind {
	switch c {
	case CodeTimeout, CodeUnavailable, CodeInternal:
		return KindTransient
	case CodeInvalidInput, CodeNotFound:
		return KindValidation
	case CodeLockHeld:
		return KindContention
	case CodeMaxRetries:
		return KindExhaustion
	case CodeTaskTimeout, CodeTaskIntegrity:
		return KindIntegrity
	default:
		return KindTransient
	}
}

// Error is a classified failure.
type Error struct {
	Kind Kind
	Code Code
	Op   string
	Err  error
	Meta map[string]any
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s [%s]", e.Op, e.Kind, e.Code)
	}
	return fmt.Sprintf("%s: %v [%s]", e.Op, e.Err, e.Code)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the wrapped failure is worth another attempt.
func (e *Error) Retryable() bool {
	return e.Kind.Retryable()
}

// New wraps err under op with the code's default kind.
func New(op string, code Code, err error) *Error {
	return &Error{Kind: code.DefaultKind(), Code: code, Op: op, Err: err}
}

// Transient marks err as retryable.
func Transient(op string, err error) *Error {
	return &Error{Kind: KindTransient, Code: CodeUnavailable, Op: op, Err: err}
}

// Validation marks err as a permanent input problem.
func Validation(op string, err error) *Error {
	return &Error{Kind: KindValidation, Code: CodeInvalidInput, Op: op, Err: err}
}

// Integrity marks err as a broken reference or inconsistent record.
func Integrity(op string, code Code, err error) *Error {
	return &Error{Kind: KindIntegrity, Code: code, Op: op, Err: err}
}

// WithMeta attaches a key/value to the error for alerting.
func (e *Error) WithMeta(key string, value any) *Error {
	if e.Meta == nil {
		e.Meta = make(map[string]any, 2)
	}
	e.Meta[key] = value
	return e
}

// Classify returns the kind of err. Errors carrying an HTTP-like status code
// are validation failures for 4xx other than 429; anything unrecognised is
// treated as transient so the retry budget decides.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	var sc interface{ StatusCode() int }
	if errors.As(err, &sc) {
		if sc.StatusCode() >= 500 || sc.StatusCode() == 429 {
			return KindTransient
		}
		return KindValidation
	}
	return KindTransient
}

// CodeOf returns the code attached to err, or a best guess from its kind.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) && fe.Code != "" {
		return fe.Code
	}
	switch Classify(err) {
	case KindTransient:
		if errors.Is(err, context.DeadlineExceeded) {
			return CodeTimeout
		}
		return CodeUnavailable
	case KindValidation:
		return CodeInvalidInput
	default:
		return CodeInternal
	}
}

// IsRetryable is a shorthand for Classify(err).Retryable().
func IsRetryable(err error) bool {
	return Classify(err).Retryable()
}
