package connector

import (
	"errors"
	"fmt"
)

// Kind classifies a connector failure for the scheduler's retry policy.
// The connector decides the classification explicitly; the scheduler never
// infers it from message text.
type Kind string

const (
	// KindConfig: bad or missing provider configuration. Not retryable.
	KindConfig Kind = "config"
	// KindAuth: credential invalid or expired. Not retryable until the
	// credential is rotated externally.
	KindAuth Kind = "auth"
	// KindTransient: network, timeout, or rate-limit. Retryable with backoff.
	KindTransient Kind = "transient"
)

// Error is a classified connector failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewConfigError wraps err as a non-retryable configuration failure.
func NewConfigError(op string, err error) *Error {
	return &Error{Kind: KindConfig, Op: op, Err: err}
}

// NewAuthError wraps err as a non-retryable credential failure.
func NewAuthError(op string, err error) *Error {
	return &Error{Kind: KindAuth, Op: op, Err: err}
}

// NewTransientError wraps err as a retryable failure.
func NewTransientError(op string, err error) *Error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// IsTransient reports whether err is classified retryable. Unclassified
// errors count as transient: an unknown failure gets the bounded retry path
// rather than being declared permanent.
func IsTransient(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == KindTransient
	}
	return true
}
