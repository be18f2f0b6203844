package domain

import (
	"errors"
	"math"
	"time"
)

// RetryPolicy fixes the backoff law for both per-batch fetch retries and
// job-level requeues: wait min(MaxBackoff, Base^attempt) seconds, attempt
// counting from 1. With the defaults (base 2, ceiling 3600s) successive waits
// are 2, 4, 8, 16, ... seconds.
type RetryPolicy struct {
	Base       float64
	MaxBackoff time.Duration
	MaxRetries int
}

// DefaultRetryPolicy mirrors the configuration defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: 2, MaxBackoff: 3600 * time.Second, MaxRetries: 10}
}

// Delay returns the wait before retry number attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	secs := math.Pow(p.Base, float64(attempt))
	d := time.Duration(secs * float64(time.Second))
	if d > p.MaxBackoff || d < 0 {
		return p.MaxBackoff
	}
	return d
}

// Exhausted reports whether attempt has passed the ceiling.
func (p RetryPolicy) Exhausted(attempt int) bool { return attempt >= p.MaxRetries }

// Retryable reports whether an error belongs to the retried kinds
// (transient infrastructure failures and rate-limit signals).
func (p RetryPolicy) Retryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrRateLimited)
}
