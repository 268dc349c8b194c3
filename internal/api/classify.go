package api

import (
	"context"
	"errors"
	"net"
	"net/http"
)

// Class buckets a push failure for the retry discipline.
type Class int

const (
	// ClassTransient failures are retryable: the entry's retry count
	// increments and it stays pending.
	ClassTransient Class = iota
	// ClassPermanent failures move the entry to the terminal failed
	// status immediately, bypassing the retry budget.
	ClassPermanent
)

// String returns a human-readable representation of the class.
func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Classify buckets a server-call error.
//
// Network-level failures (timeout, connection reset, DNS), request
// timeouts, rate limits and 5xx responses are transient. Any other 4xx —
// validation, conflict, not-found on update/delete — is permanent: the
// server understood the request and rejected it, so replaying won't help.
func Classify(err error) Class {
	if err == nil {
		return ClassTransient
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == http.StatusRequestTimeout,
			httpErr.StatusCode == http.StatusTooManyRequests,
			httpErr.StatusCode >= 500:
			return ClassTransient
		case httpErr.StatusCode >= 400:
			return ClassPermanent
		default:
			return ClassTransient
		}
	}

	// Context cancellation, deadline, and transport errors never reached
	// the server; replaying is safe and the idempotency key covers the
	// ambiguous did-it-land cases.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}

	return ClassTransient
}
