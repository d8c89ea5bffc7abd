package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// Kind classifies a failure for retry and alerting decisions.
type Kind int

const (
	// KindSourceUnavailable is a transient network or query failure against a source.
	KindSourceUnavailable Kind = iota + 1
	// KindSchemaMismatch means a source does not have the expected shape. Fatal.
	KindSchemaMismatch
	// KindExternalCallFailure is a failed call to a collaborator (publisher, sink).
	KindExternalCallFailure
	// KindConfigurationMissing is a fatal startup error.
	KindConfigurationMissing
	// KindMalformedPayload is a request the callee will never accept. Fatal.
	KindMalformedPayload
)

func (k Kind) String() string {
	switch k {
	case KindSourceUnavailable:
		return "source_unavailable"
	case KindSchemaMismatch:
		return "schema_mismatch"
	case KindExternalCallFailure:
		return "external_call_failure"
	case KindConfigurationMissing:
		return "configuration_missing"
	case KindMalformedPayload:
		return "malformed_payload"
	default:
		return "unknown"
	}
}

// Retryable reports whether failures of this kind may be retried.
func (k Kind) Retryable() bool {
	return k == KindSourceUnavailable || k == KindExternalCallFailure
}

// Error is a classified failure. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.String()
	}
	return e.Op + ": " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// SourceUnavailable classifies err as a retryable source failure.
func SourceUnavailable(op string, err error) *Error {
	return &Error{Kind: KindSourceUnavailable, Op: op, Err: err}
}

// SchemaMismatch classifies err as a fatal source shape failure.
func SchemaMismatch(op string, err error) *Error {
	return &Error{Kind: KindSchemaMismatch, Op: op, Err: err}
}

// ExternalCallFailure classifies err as a retryable collaborator failure.
func ExternalCallFailure(op string, err error) *Error {
	return &Error{Kind: KindExternalCallFailure, Op: op, Err: err}
}

// ConfigurationMissing classifies err as a fatal configuration failure.
func ConfigurationMissing(op string, err error) *Error {
	return &Error{Kind: KindConfigurationMissing, Op: op, Err: err}
}

// MalformedPayload classifies err as a request that must not be retried.
func MalformedPayload(op string, err error) *Error {
	return &Error{Kind: KindMalformedPayload, Op: op, Err: err}
}

// KindOf returns the classified kind of err, or 0 if err is unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsKind reports whether err (or any error in its chain) is of kind k.
func IsKind(err error, k Kind) bool {
	return KindOf(err) == k
}

// IsRetryable returns true if err is worth another attempt: a classified
// retryable kind, an open circuit, an attempt timeout, or a common transient
// network failure. Classified fatal kinds are never retried, even when they
// wrap a network error.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Kind.Retryable()
	}

	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		425, // Too Early
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}
