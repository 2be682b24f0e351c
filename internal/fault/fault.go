package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies a failure for retry and escalation decisions.
type Kind string

const (
	// KindValidation covers bad event data (symbol, amount). Never retried.
	KindValidation Kind = "validation"
	// KindTransient covers timeouts, 429, 5xx and node connectivity. Retried with backoff.
	KindTransient Kind = "transient"
	// KindTerminal covers business-rule and auth rejections and contract reverts.
	KindTerminal Kind = "terminal"
	// KindConsistencyGap marks a brokerage order that executed without an on-chain settlement.
	KindConsistencyGap Kind = "consistency_gap"
)

// Error is the normalized error shape crossing component boundaries.
type Error struct {
	Kind Kind
	Op   string
	Code string
	Err  error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Code != "" {
		msg += " [" + e.Code + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Validation builds a validation error from a formatted message.
func Validation(op, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

// Transient wraps err as retryable.
func Transient(op string, err error) *Error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Terminal wraps err as non-retryable.
func Terminal(op string, err error) *Error {
	return &Error{Kind: KindTerminal, Op: op, Err: err}
}

// ConsistencyGap wraps err as a brokerage/chain divergence requiring manual intervention.
func ConsistencyGap(op string, err error) *Error {
	return &Error{Kind: KindConsistencyGap, Op: op, Err: err}
}

// WithCode attaches a machine-readable code.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// KindOf reports the classification of err. Unclassified errors are terminal,
// except context deadlines and network errors which are transient.
func KindOf(err error) Kind {
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
	var ne net.Error
	if errors.As(err, &ne) {
		return KindTransient
	}
	return KindTerminal
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}
