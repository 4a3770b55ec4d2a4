// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

package breaker

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/anteroom-foundation/anteroom/lib/clock"
)

// RetryPolicy controls the backoff schedule for idempotent calls.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, first call included.
	MaxAttempts int
	// BaseDelay is the wait before the first retry; each further
	// retry doubles it.
	BaseDelay time.Duration
	// MaxDelay caps the doubled delay.
	MaxDelay time.Duration
}

// DefaultRetryPolicy waits 1s, 2s, 4s, 8s between five attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    8 * time.Second,
	}
}

func (p RetryPolicy) applyDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	return p
}

// Retry runs fn until it succeeds, the attempt budget is spent, or
// ctx is done. Only use it for idempotent calls: Retry has no way to
// tell whether a failed attempt took effect downstream.
//
// Delays grow exponentially from BaseDelay to MaxDelay with up to 20%
// random jitter added so synchronized clients do not retry in
// lockstep. The last error is returned when the budget runs out;
// ctx.Err() is returned when the context ends first.
func Retry(ctx context.Context, clk clock.Clock, policy RetryPolicy, fn func(ctx context.Context) error) error {
	policy = policy.applyDefaults()

	var lastErr error
	delay := policy.BaseDelay
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-clk.After(withJitter(delay)):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
			if delay > policy.MaxDelay {
				delay = policy.MaxDelay
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return lastErr
}

// withJitter adds up to 20% to d.
func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return d + time.Duration(rand.Int64N(int64(d)/5+1))
}
