package backoff

import (
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
)

// TransientError marks an error as retryable regardless of its shape.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// MarkTransient wraps err so IsTransient reports true.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// transientSubstrings covers transient signals surfaced as strings by client
// libraries (HTTP status text, driver messages, provider SDK errors).
var transientSubstrings = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"i/o timeout",
	"timeout awaiting response",
	"too many requests",
	"rate limit",
	"rate_limit",
	"status 429",
	"status 500",
	"status 502",
	"status 503",
	"status 504",
	"server is overloaded",
	"temporarily unavailable",
	"try again",
	"broken pipe",
	"unexpected eof",
}

// IsTransient is the single retryability predicate used across the platform.
// It matches network-level failures (ECONNREFUSED, ENOTFOUND, ETIMEDOUT,
// ECONNRESET and equivalents), rate-limit signals, and 5xx responses.
// Validation and contract errors are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var marked *TransientError
	if errors.As(err, &marked) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTemporary || dnsErr.IsTimeout || dnsErr.IsNotFound
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ETIMEDOUT),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.ErrUnexpectedEOF):
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, s := range transientSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
