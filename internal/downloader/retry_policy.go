package downloader

import (
	"context"
	"math"
	"time"
)

// ExponentialRetryPolicy bounds retries of transient failures and spaces them
// as base * 2^retry, capped at maxDelay.
type ExponentialRetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewExponentialRetryPolicy builds a policy; non-positive values fall back to
// 3 attempts, a 1s base and a 30s cap.
func NewExponentialRetryPolicy(maxAttempts int, baseDelay, maxDelay time.Duration) *ExponentialRetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	return &ExponentialRetryPolicy{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
	}
}

// MaxAttempts is the total number of attempts, first try included.
func (p *ExponentialRetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// ShouldRetry decides whether another attempt may follow attempts already
// made. Only the caller's ctx ends retrying early: a per-request timeout
// surfaces as context.DeadlineExceeded too, and that one is transient.
func (p *ExponentialRetryPolicy) ShouldRetry(ctx context.Context, err error, attempts int) bool {
	if err == nil || attempts >= p.maxAttempts {
		return false
	}
	return ctx.Err() == nil
}

// Backoff returns the wait before retry number retry (0 for the first retry).
func (p *ExponentialRetryPolicy) Backoff(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(retry))
	if delay > float64(p.maxDelay) {
		return p.maxDelay
	}
	return time.Duration(delay)
}
