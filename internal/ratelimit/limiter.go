// Package ratelimit implements sliding-window quotas and temporary
// blocks, backed by process memory or Redis.
package ratelimit

import (
	"context"
	"time"
)

// Limit is a cap of Requests per rolling Window.
type Limit struct {
	Requests int
	Window   time.Duration
}

// Decision is the outcome of a reservation.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration // zero when allowed

	token string
}

// Limiter counts events per key in a sliding window. Reserve checks and
// records one event atomically; Cancel withdraws an allowed reservation
// whose operation did not complete, so only accepted operations use
// quota.
type Limiter interface {
	Reserve(ctx context.Context, key string, limit Limit) (Decision, error)
	Cancel(ctx context.Context, key string, d Decision) error
}

// Blocker tracks temporarily blocked keys and violation counts.
type Blocker interface {
	IsBlocked(ctx context.Context, key string) (bool, error)
	Block(ctx context.Context, key string, duration time.Duration, reason string) error
	Unblock(ctx context.Context, key string) error

	// RecordViolation increments key's violation count, which resets
	// window after the first violation, and returns the new count.
	RecordViolation(ctx context.Context, key string, window time.Duration) (int64, error)
}

// retryAfter rounds a wait up to whole seconds, never below one.
func retryAfter(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Second
	}
	return ((d + time.Second - 1) / time.Second) * time.Second
}
