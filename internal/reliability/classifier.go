package reliability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Kind is the failure class reported to clients in error events.
type Kind string

const (
	KindProtocol            Kind = "protocol_error"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindUpstreamRejected    Kind = "upstream_rejected"
	KindTimeout             Kind = "timeout"
	KindInternal            Kind = "internal_error"
)

// Error tags an underlying error with its Kind and the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap annotates err with kind and op. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf classifies err. Tagged errors keep their Kind; deadlines become
// timeouts; network errors are treated as an unavailable upstream.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindUpstreamUnavailable
	}
	return KindInternal
}

// KindForHTTPStatus maps an upstream HTTP status to a failure Kind.
func KindForHTTPStatus(code int) Kind {
	switch {
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return KindTimeout
	case IsRetryableHTTPStatus(code):
		return KindUpstreamUnavailable
	case code >= 400 && code < 500:
		return KindUpstreamRejected
	default:
		return KindUpstreamUnavailable
	}
}

// Upstream wraps a failed upstream call, classifying ctx expiry as a timeout
// and anything unrecognised as an unavailable upstream. Already tagged errors
// are returned unchanged.
func Upstream(op string, err error) error {
	if err == nil {
		return nil
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return err
	}
	kind := KindOf(err)
	if kind == KindInternal {
		kind = KindUpstreamUnavailable
	}
	return Wrap(kind, op, err)
}

// IsRetryable reports whether another attempt could succeed.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindUpstreamUnavailable, KindTimeout:
		return true
	default:
		return false
	}
}

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
