package s2

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies upstream failures for retry and fallback decisions.
type ErrorKind string

const (
	KindBadRequest   ErrorKind = "bad_request"
	KindUnauthorized ErrorKind = "unauthorized"
	KindNotFound     ErrorKind = "not_found"
	KindTimeout      ErrorKind = "timeout"
	KindRateLimited  ErrorKind = "rate_limited"
	KindUnavailable  ErrorKind = "upstream_unavailable"
	KindTransport    ErrorKind = "transport"
)

// APIError is the typed failure of one upstream call, carrying whatever the
// caller needs to decide between retry, stale fallback and propagation.
type APIError struct {
	Kind       ErrorKind
	Status     int
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("upstream %s (HTTP %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("upstream %s: %s", e.Kind, e.Message)
}

// Retryable reports whether another attempt can change the outcome.
func (e *APIError) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindTimeout, KindUnavailable, KindTransport:
		return true
	}
	return false
}

func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Kind == KindNotFound
}

// IsDegraded reports an upstream failure a stale cached copy may stand in
// for: the upstream exists but cannot answer right now.
func IsDegraded(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Retryable()
}

func KindOf(err error) (ErrorKind, bool) {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Kind, true
	}
	return "", false
}
