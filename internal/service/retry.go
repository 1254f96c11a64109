package service

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/BTCDecoded/governance-app/internal/storage"
)

type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseBackoff: 20 * time.Millisecond, MaxBackoff: time.Second}
}

// backoff doubles per attempt up to MaxBackoff and keeps a random half of
// the window as jitter.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseBackoff << uint(min(attempt-1, 16))
	if d <= 0 || d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	half := d / 2
	return half + rand.N(half+1)
}

// withRetry runs fn until it succeeds, fails with anything other than a
// storage conflict, or the attempt budget runs out.
func (g *Gatekeeper) withRetry(ctx context.Context, op string, fn func() error) error {
	attempts := max(g.retry.MaxAttempts, 1)
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, storage.ErrConflict) {
			return err
		}
		g.metrics.IncRetry(op)
		if attempt == attempts {
			break
		}
		timer := time.NewTimer(g.retry.backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return ConflictError(op+": retries exhausted", err)
}
