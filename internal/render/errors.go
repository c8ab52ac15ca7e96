package render

import (
	"errors"
	"strings"
)

// Kind classifies a render failure for the retry policy.
type Kind int

const (
	// KindPermanent failures are recorded as FAILED with no further attempts.
	KindPermanent Kind = iota
	// KindRetryable failures are re-enqueued with backoff until attempts run out.
	KindRetryable
)

// Error is a render failure with an explicit retryability kind.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable wraps err as a transient render failure.
func Retryable(msg string, err error) *Error {
	return &Error{Kind: KindRetryable, Message: msg, Err: err}
}

// Permanent wraps err as a non-recoverable render failure.
func Permanent(msg string, err error) *Error {
	return &Error{Kind: KindPermanent, Message: msg, Err: err}
}

// retryableKeywords is the legacy substring heuristic, kept as a fallback for
// renderers that return plain errors instead of *Error.
var retryableKeywords = []string{"timeout", "network", "connection", "temporary", "busy"}

// IsRetryable reports whether err should be retried. A *Error anywhere in the
// chain decides; otherwise the message is matched against known transient
// keywords.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind == KindRetryable
	}
	msg := strings.ToLower(err.Error())
	for _, kw := range retryableKeywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}
