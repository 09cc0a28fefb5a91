package ratelimit

import (
	"context"
	"time"
)

// Store holds per-identity request counters and the blocklist. Implementations
// must make Incr an atomic read-modify-write per key so concurrent requests
// from one identity never lose updates. Expiry is always decided against the
// live clock on read; Sweep exists only to reclaim memory.
type Store interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	SetBlock(ctx context.Context, identity string, until time.Time) error
	BlockedUntil(ctx context.Context, identity string) (time.Time, bool, error)
	Sweep(ctx context.Context, now time.Time) error
}

// Result is the outcome of a rate-limit check for one request.
type Result struct {
	Allowed    bool
	Blocked    bool
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}
