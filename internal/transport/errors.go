package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

type ErrorKind int

const (
	// KindTransport means the call could not complete (dial, DNS, timeout, ...).
	KindTransport ErrorKind = iota + 1
	// KindRejected means the endpoint answered with a non-success outcome.
	KindRejected
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// SinkError is the error shape every sink returns.
type SinkError struct {
	Kind ErrorKind

	// Rejections.
	StatusCode int
	Status     string // e.g. "400 Bad Request"
	Body       string

	// Message overrides Cause.Error() in the rendered text (used for redaction).
	Message string
	Cause   error
}

func (e *SinkError) Error() string {
	if e == nil {
		return "<nil>"
	}
	switch e.Kind {
	case KindRejected:
		status := strings.TrimSpace(e.Status)
		if status == "" && e.StatusCode > 0 {
			status = fmt.Sprintf("%d %s", e.StatusCode, http.StatusText(e.StatusCode))
		}
		if status == "" {
			status = "unknown"
		}
		return fmt.Sprintf("status: %s, text: %q", status, e.Body)
	default:
		detail := strings.TrimSpace(e.Message)
		if detail == "" && e.Cause != nil {
			detail = e.Cause.Error()
		}
		if detail == "" {
			detail = "request failed"
		}
		return "transport: " + detail
	}
}

func (e *SinkError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Temporary reports whether the failure looks transient (429, 5xx, timeouts).
// Sinks never retry on their own; this only feeds diagnostics.
func (e *SinkError) Temporary() bool {
	if e == nil {
		return false
	}
	if e.Kind == KindRejected {
		return e.StatusCode == http.StatusTooManyRequests || (e.StatusCode >= 500 && e.StatusCode <= 599)
	}
	if errors.Is(e.Cause, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(e.Cause, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// TransportFailure wraps err as a KindTransport error.
func TransportFailure(err error) *SinkError {
	return &SinkError{Kind: KindTransport, Cause: err}
}

// Rejected builds a KindRejected error from an HTTP-ish outcome.
func Rejected(statusCode int, status, body string) *SinkError {
	return &SinkError{Kind: KindRejected, StatusCode: statusCode, Status: status, Body: body}
}

// KindOf returns the kind of a *SinkError in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var se *SinkError
	if errors.As(err, &se) {
		return se.Kind
	}
	return 0
}

// Redact replaces secret in the rendered message of e. Cause is kept for errors.Is/As.
func (e *SinkError) Redact(secret string) *SinkError {
	if e == nil || strings.TrimSpace(secret) == "" {
		return e
	}
	if e.Message == "" && e.Cause != nil {
		e.Message = e.Cause.Error()
	}
	e.Message = strings.ReplaceAll(e.Message, secret, "<redacted>")
	e.Body = strings.ReplaceAll(e.Body, secret, "<redacted>")
	return e
}
