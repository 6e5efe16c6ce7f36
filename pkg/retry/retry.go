// Package retry implements exponential backoff with jitter, a configurable
// attempt cap, a pluggable retryability table, and an error-supplied delay
// override.
//
// Grounded on pkg/ethereum/client.go's SendContractTransactionWithRetry
// (per-attempt escalation loop with a sleep between attempts) and
// pkg/intent/discovery.go's monitoringLoop backoff idiom
// (time.Duration(1<<retries) * time.Second), generalized into a standalone
// policy object so the Submission Client can reuse one implementation for
// submit/cancel/query instead of three hand-copied loops.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/certen/verifactu-client/pkg/vferrors"
)

// Policy holds the sanitized retry configuration.
type Policy struct {
	MaxRetries        int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	JitterFactor      float64
	IsRetryable       func(error) bool
	OnRetry           func(attempt int, err error, delay time.Duration)
}

// DefaultPolicy returns the documented defaults: maxRetries=3,
// initialDelay=1s, maxDelay=30s, backoffMultiplier=2, jitterFactor=0.1.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:        3,
		InitialDelay:      time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
		JitterFactor:      0.1,
	}
}

// sanitize clamps every numeric field into its documented domain, leaving
// callers free to pass a zero-value or partially-set Policy.
func (p Policy) sanitize() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialDelay < 0 {
		p.InitialDelay = 0
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.BackoffMultiplier < 1 {
		p.BackoffMultiplier = 1
	}
	if p.JitterFactor < 0 {
		p.JitterFactor = 0
	}
	if p.JitterFactor > 1 {
		p.JitterFactor = 1
	}
	return p
}

// isRetryable consults, in order: the error's own RetryHint (if the error
// carries one), the policy's caller-supplied override, then the default
// per-kind table in vferrors.
func (p Policy) isRetryable(err error) bool {
	if hint, ok := vferrors.RetryHintOf(err); ok {
		return hint.Retryable
	}
	if p.IsRetryable != nil {
		return p.IsRetryable(err)
	}
	return vferrors.Retryable(err)
}

// delayForAttempt computes clamp(initial * multiplier^attempt +
// uniform(-1,+1) * jitterFactor * initial * multiplier^attempt, 0, max), or
// uses the error's own suggested delay when present.
func (p Policy) delayForAttempt(attempt int, err error) time.Duration {
	if ms, ok := vferrors.SuggestedDelayMs(err); ok {
		if ms < 0 {
			ms = 0
		}
		return time.Duration(ms) * time.Millisecond
	}

	base := float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(attempt))
	jitter := (rand.Float64()*2 - 1) * p.JitterFactor * base
	delay := base + jitter
	if delay < 0 {
		delay = 0
	}
	if max := float64(p.MaxDelay); delay > max {
		delay = max
	}
	return time.Duration(delay)
}

// Do invokes op up to MaxRetries+1 times total, sleeping between attempts
// per delayForAttempt, stopping as soon as op succeeds or returns a
// non-retryable error, or ctx is cancelled. A persistently failing
// retryable op makes exactly MaxRetries+1 attempts before Do returns the
// final error.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context, attempt int) error) error {
	p = p.sanitize()

	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return vferrors.ErrCancelled
		}

		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt == p.MaxRetries || !p.isRetryable(err) {
			return lastErr
		}

		delay := p.delayForAttempt(attempt, err)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return vferrors.ErrCancelled
		case <-timer.C:
		}
	}
	return lastErr
}
