package ratelimit

import (
	"context"
	"fmt"
	"time"

	"store-gateway/internal/observability"
)

const (
	defaultPerMinute     = 100
	defaultPerHour       = 2000
	defaultBlockDuration = time.Hour
)

// Controller drives each identity through Clear -> Counting -> Blocked and
// back to Clear. The block is identity-wide: once set, every request from
// that identity is rejected until expiry regardless of its counter state.
type Controller struct {
	store         Store
	logger        *observability.Logger
	perMinute     int
	perHour       int
	blockDuration time.Duration
}

func NewController(store Store, logger *observability.Logger) *Controller {
	return &Controller{
		store:         store,
		logger:        logger,
		perMinute:     defaultPerMinute,
		perHour:       defaultPerHour,
		blockDuration: defaultBlockDuration,
	}
}

func (c *Controller) WithLimits(perMinute, perHour int, blockDuration time.Duration) {
	if perMinute > 0 {
		c.perMinute = perMinute
	}
	if perHour > 0 {
		c.perHour = perHour
	}
	if blockDuration > 0 {
		c.blockDuration = blockDuration
	}
}

func (c *Controller) BlockDuration() time.Duration {
	return c.blockDuration
}

func (c *Controller) PerMinute() int {
	return c.perMinute
}

func (c *Controller) Check(ctx context.Context, identity string) (Result, error) {
	now := time.Now().UTC()

	until, blocked, err := c.store.BlockedUntil(ctx, identity)
	if err != nil {
		return Result{}, err
	}
	if blocked {
		return Result{
			Blocked:    true,
			RetryAfter: clampSecond(until.Sub(now)),
			ResetAt:    until,
		}, nil
	}

	minuteBucket := now.Unix() / 60
	minuteKey := fmt.Sprintf("%s:m%d", identity, minuteBucket)
	count, err := c.store.Incr(ctx, minuteKey, 2*time.Minute)
	if err != nil {
		return Result{}, err
	}

	resetAt := time.Unix((minuteBucket+1)*60, 0).UTC()
	if count > int64(c.perMinute) {
		if err := c.Block(ctx, identity, c.blockDuration); err != nil {
			return Result{}, err
		}

		c.logger.Warn("rate_limit_exceeded", map[string]any{
			"identity":      identity,
			"count":         count,
			"limit":         c.perMinute,
			"blocked_until": now.Add(c.blockDuration).Format(time.RFC3339),
		})

		return Result{
			RetryAfter: clampSecond(c.blockDuration),
			ResetAt:    now.Add(c.blockDuration),
		}, nil
	}

	// Secondary hourly ceiling, defense in depth against slow burns that
	// stay under the per-minute threshold.
	hourKey := fmt.Sprintf("%s:h%d", identity, now.Unix()/3600)
	hourCount, err := c.store.Incr(ctx, hourKey, 2*time.Hour)
	if err != nil {
		return Result{}, err
	}
	if hourCount > int64(c.perHour) {
		if err := c.Block(ctx, identity, c.blockDuration); err != nil {
			return Result{}, err
		}

		c.logger.Warn("hourly_limit_exceeded", map[string]any{
			"identity": identity,
			"count":    hourCount,
			"limit":    c.perHour,
		})

		return Result{
			RetryAfter: clampSecond(c.blockDuration),
			ResetAt:    now.Add(c.blockDuration),
		}, nil
	}

	remaining := c.perMinute - int(count)
	if remaining < 0 {
		remaining = 0
	}

	return Result{
		Allowed:   true,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

// Block puts an identity on the blocklist immediately, bypassing the counting
// phase. The inspector escalates malicious-pattern matches through here.
func (c *Controller) Block(ctx context.Context, identity string, duration time.Duration) error {
	if duration <= 0 {
		duration = c.blockDuration
	}

	return c.store.SetBlock(ctx, identity, time.Now().UTC().Add(duration))
}

func clampSecond(d time.Duration) time.Duration {
	if d < time.Second {
		return time.Second
	}
	return d
}
