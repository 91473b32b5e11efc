package avito

import (
	"errors"
	"fmt"
)

// Kind classifies a remote failure for the retry executor.
type Kind string

const (
	KindAuth         Kind = "auth"          // credentials rejected, re-auth or give up
	KindRateLimit    Kind = "rate_limit"    // 429, wait the hinted interval
	KindTransient    Kind = "transient"     // 5xx / 408 / 504 / network, retry with backoff
	KindNonRetryable Kind = "non_retryable" // other 4xx, fail immediately
	KindExhausted    Kind = "exhausted"     // retry budget or endpoint variants spent
)

type Error struct {
	Kind    Kind
	Status  int
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("avito: %s: %s (status %d): %s", e.Op, e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("avito: %s: %s: %s", e.Op, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, status int, msg string) *Error {
	return &Error{Kind: kind, Op: op, Status: status, Message: msg}
}

func kindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

// IsNonRetryable reports failures the caller should not repeat as-is.
func IsNonRetryable(err error) bool {
	k := kindOf(err)
	return k == KindNonRetryable || k == KindAuth
}

// IsExhausted reports that the retry budget or every endpoint variant was spent.
func IsExhausted(err error) bool { return kindOf(err) == KindExhausted }

// IsCredentialError reports an authentication failure that survived one
// re-auth attempt. The shop's token status should be flagged.
func IsCredentialError(err error) bool { return kindOf(err) == KindAuth }

// classify maps an HTTP status to a failure kind. 401 is handled before this
// point by the executor's re-auth path.
func classify(status int) Kind {
	switch {
	case status == 429:
		return KindRateLimit
	case status >= 500, status == 408:
		return KindTransient
	case status >= 400:
		return KindNonRetryable
	default:
		return ""
	}
}
