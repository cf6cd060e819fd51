package gateway

import (
	"fmt"
	"time"
)

// ErrorKind is the stable error taxonomy the gateway exposes. Each kind has
// a fixed propagation policy; messages carry no internal detail.
type ErrorKind string

// Error kinds
const (
	ErrKindUnauthenticated   ErrorKind = "unauthenticated"
	ErrKindRateLimited       ErrorKind = "rate_limited"
	ErrKindQuotaExceeded     ErrorKind = "quota_exceeded"
	ErrKindCredentialMissing ErrorKind = "credential_missing"
	ErrKindUpstreamError     ErrorKind = "upstream_error"
	ErrKindSubstrateFailure  ErrorKind = "substrate_transient"
	ErrKindInternal          ErrorKind = "internal"
)

// statusFor maps an error kind to the client-facing status code
func statusFor(kind ErrorKind) int {
	switch kind {
	case ErrKindUnauthenticated:
		return 401
	case ErrKindRateLimited:
		return 429
	case ErrKindQuotaExceeded:
		return 429
	case ErrKindCredentialMissing:
		return 412
	case ErrKindUpstreamError:
		return 502
	case ErrKindSubstrateFailure:
		return 503
	default:
		return 500
	}
}

// messageFor returns the human-readable envelope message, free of internals
func messageFor(kind ErrorKind) string {
	switch kind {
	case ErrKindUnauthenticated:
		return "authentication failed"
	case ErrKindRateLimited:
		return "rate limit exceeded"
	case ErrKindQuotaExceeded:
		return "quota exceeded"
	case ErrKindCredentialMissing:
		return "no active credential for the requested vendor"
	case ErrKindUpstreamError:
		return "upstream vendor error"
	case ErrKindSubstrateFailure:
		return "service temporarily degraded"
	default:
		return "internal error"
	}
}

// UpstreamClass distinguishes proxy collaborator failures
type UpstreamClass string

// Upstream error classes
const (
	UpstreamTransport   UpstreamClass = "transport"
	UpstreamAuth        UpstreamClass = "upstream_auth"
	UpstreamRateLimited UpstreamClass = "upstream_ratelimited"
	UpstreamServer      UpstreamClass = "upstream_server"
	UpstreamClient      UpstreamClass = "upstream_client"
)

// UpstreamError is returned by the proxy collaborator when the vendor call
// fails. StatusCode is zero for transport failures.
type UpstreamError struct {
	Class      UpstreamClass
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

// Error implements error
func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream %s: %v", e.Class, e.Err)
	}
	return fmt.Sprintf("upstream %s (status %d)", e.Class, e.StatusCode)
}

// Unwrap exposes the wrapped cause
func (e *UpstreamError) Unwrap() error { return e.Err }
