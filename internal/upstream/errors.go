package upstream

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ErrRetriesExhausted wraps the last error once the low-level retries for transient
// server errors are used up.
var ErrRetriesExhausted = errors.New("upstream: retries exhausted")

// StatusError is a non-2xx response from the marketplace.
type StatusError struct {
	StatusCode int
	// RetryAfter is the server's Retry-After hint, zero when absent.
	RetryAfter time.Duration
	// Proxied reports whether the request went out through a proxy egress.
	Proxied bool
	Body    string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("upstream status %d", e.StatusCode)
}

// DecodeError is a 2xx response whose body could not be parsed.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "decode search response: " + e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }

// Class is how the scan engine reacts to an upstream error.
type Class int

const (
	ClassNone Class = iota
	// ClassRateLimit is throttling: back off and retry on a different egress.
	ClassRateLimit
	// ClassEgress is a failure of the egress itself: penalise it and rotate without sleeping.
	ClassEgress
	// ClassTarget is a failure specific to the request: give up on the target.
	ClassTarget
	// ClassCanceled means the caller's context ended.
	ClassCanceled
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassRateLimit:
		return "rate_limit"
	case ClassEgress:
		return "egress"
	case ClassTarget:
		return "target"
	case ClassCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Classify maps an error returned by Client.Search onto a Class.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	if errors.Is(err, context.Canceled) {
		return ClassCanceled
	}
	if errors.Is(err, ErrRetriesExhausted) {
		return ClassRateLimit
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusTooManyRequests,
			statusErr.StatusCode == http.StatusServiceUnavailable:
			return ClassRateLimit
		case statusErr.StatusCode == http.StatusForbidden && statusErr.Proxied,
			statusErr.StatusCode == http.StatusProxyAuthRequired:
			return ClassEgress
		default:
			return ClassTarget
		}
	}
	var decodeErr *DecodeError
	if errors.As(err, &decodeErr) {
		return ClassTarget
	}
	if IsEgressError(err) {
		return ClassEgress
	}
	return ClassTarget
}

// IsBlocked reports whether err is a 403 received through a proxy, which means the
// egress address itself is banned.
func IsBlocked(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusForbidden && statusErr.Proxied
}

// IsEgressError reports transport failures attributable to the route rather than the
// request: refused or reset connections, timeouts, TLS failures, proxy connect errors.
func IsEgressError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return true
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return true
	}
	var unknownAuth x509.UnknownAuthorityError
	if errors.As(err, &unknownAuth) {
		return true
	}
	var hostErr x509.HostnameError
	if errors.As(err, &hostErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		msg := urlErr.Err.Error()
		for _, marker := range []string{"proxyconnect", "socks connect", "tls:", "connection reset", "connection refused", "EOF"} {
			if strings.Contains(msg, marker) {
				return true
			}
		}
	}
	return false
}

// ParseRetryAfter reads a Retry-After header given in seconds or as an HTTP date.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// RetryAfterHint returns the Retry-After carried by err, if any.
func RetryAfterHint(err error) time.Duration {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.RetryAfter
	}
	return 0
}

// Backoff is min(limit, base * 2^attempt). attempt starts at 0.
func Backoff(attempt int, base, limit time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if limit > 0 && delay >= limit {
			return limit
		}
	}
	if limit > 0 && delay > limit {
		return limit
	}
	return delay
}
