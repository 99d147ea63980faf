package domain

import (
	"math"
	"math/rand"
	"strings"
	"time"
)

// JitterMax is the upper bound of the multiplicative jitter applied to every
// computed retry delay: delay * (1 + U[0, JitterMax]).
const JitterMax = 0.25

// RetryPolicy computes next-attempt delays. Attempt numbering is zero-based:
// Delay(0) follows the first failure.
type RetryPolicy struct {
	Name       string
	MaxRetries int
	BaseDelay  time.Duration
	Exponent   float64
	MaxDelay   time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Name: "default", MaxRetries: 5, BaseDelay: 2 * time.Second, Exponent: 2.0, MaxDelay: 300 * time.Second}
}

func AggressiveRetryPolicy() RetryPolicy {
	return RetryPolicy{Name: "aggressive", MaxRetries: 10, BaseDelay: 1 * time.Second, Exponent: 1.5, MaxDelay: 600 * time.Second}
}

func ConservativeRetryPolicy() RetryPolicy {
	return RetryPolicy{Name: "conservative", MaxRetries: 3, BaseDelay: 5 * time.Second, Exponent: 2.0, MaxDelay: 60 * time.Second}
}

// RetryPolicyByName resolves a configured policy name; unknown names fall
// back to the default policy.
func RetryPolicyByName(name string) RetryPolicy {
	switch name {
	case "aggressive":
		return AggressiveRetryPolicy()
	case "conservative":
		return ConservativeRetryPolicy()
	default:
		return DefaultRetryPolicy()
	}
}

// BaseDelayFor returns the delay before jitter: min(base * exponent^attempt, cap).
func (p RetryPolicy) BaseDelayFor(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.BaseDelay) * math.Pow(p.Exponent, float64(attempt))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

// Delay returns BaseDelayFor(attempt) with multiplicative jitter applied.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.BaseDelayFor(attempt)
	return time.Duration(float64(d) * (1 + rand.Float64()*JitterMax)) //nolint:gosec // jitter, not crypto
}

// Exhausted reports whether attempt (count of failures so far) has consumed
// the retry budget.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxRetries
}

// FailureClass names why a dispatch attempt failed; used for DLQ grouping
// and alarm statistics.
type FailureClass string

const (
	FailureUpstreamStatus FailureClass = "upstream_status"
	FailureRateLimited    FailureClass = "rate_limited"
	FailureTimeout        FailureClass = "timeout"
	FailureConnection     FailureClass = "connection"
	FailureNoCapacity     FailureClass = "no_capacity"
	FailureClient         FailureClass = "client_error"
	FailureInternal       FailureClass = "internal"
)

// Classification is the decision for one failed attempt.
type Classification struct {
	Retryable bool
	Class     FailureClass
	Policy    RetryPolicy
}

// ClassifyHTTPStatus classifies an executor HTTP status. 408/429/5xx are
// retryable (429 escalates to the aggressive policy); the explicit 4xx list
// is terminal.
func ClassifyHTTPStatus(status int, base RetryPolicy) Classification {
	switch {
	case status == 429:
		return Classification{Retryable: true, Class: FailureRateLimited, Policy: AggressiveRetryPolicy()}
	case status == 408 || status >= 500:
		return Classification{Retryable: true, Class: FailureUpstreamStatus, Policy: base}
	case status == 400 || status == 401 || status == 403 || status == 404 ||
		status == 405 || status == 406 || status == 409 || status == 410 || status == 422:
		return Classification{Retryable: false, Class: FailureClient, Policy: base}
	default:
		return Classification{Retryable: false, Class: FailureUpstreamStatus, Policy: base}
	}
}

// transientSignals are substrings that mark an opaque transport error as
// retryable.
var transientSignals = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"timeout",
	"deadline exceeded",
	"temporary failure",
	"no such host",
	"eof",
}

// ClassifyError classifies a transport-level error by message.
func ClassifyError(err error, base RetryPolicy) Classification {
	if err == nil {
		return Classification{Retryable: false, Class: FailureInternal, Policy: base}
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range transientSignals {
		if strings.Contains(msg, sig) {
			class := FailureConnection
			if strings.Contains(sig, "timeout") || strings.Contains(sig, "deadline") {
				class = FailureTimeout
			}
			return Classification{Retryable: true, Class: class, Policy: base}
		}
	}
	return Classification{Retryable: false, Class: FailureInternal, Policy: base}
}
