package avito

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy controls the uniform request executor. Zero values fall back to
// the defaults the production config ships with.
type RetryPolicy struct {
	MaxAttempts   int
	Base          time.Duration
	Cap           time.Duration
	RateLimitWait time.Duration // ceiling for a Retry-After hint

	// sleep is swappable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.Base <= 0 {
		p.Base = time.Second
	}
	if p.Cap <= 0 {
		p.Cap = 30 * time.Second
	}
	if p.RateLimitWait <= 0 {
		p.RateLimitWait = 60 * time.Second
	}
	if p.sleep == nil {
		p.sleep = sleepCtx
	}
	return p
}

// Delay returns the backoff before retry number attempt (0-based):
// exponential from Base, capped, plus sub-second jitter to spread the fleet.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt > 8 {
		attempt = 8
	}
	d := p.Base << uint(attempt)
	if d > p.Cap {
		d = p.Cap
	}
	return d + time.Duration(rand.Int63n(int64(time.Second)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
