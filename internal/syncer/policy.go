package syncer

import "time"

// RetryPolicy bounds automatic retries after consecutive failures.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// DefaultRetryPolicy stops scheduling retries at three consecutive failures,
// waiting 30s times the failure count before each.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BaseDelay: 30 * time.Second}
}

// ShouldRetry reports whether a retry may be scheduled after the given
// number of consecutive failures.
func (p RetryPolicy) ShouldRetry(failures int) bool {
	return failures < p.MaxRetries
}

// Delay returns how long to wait before the retry following the given
// number of failures. Delay grows linearly.
func (p RetryPolicy) Delay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	return p.BaseDelay * time.Duration(failures)
}
