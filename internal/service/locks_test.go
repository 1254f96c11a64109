package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedLocksSerializePerKey(t *testing.T) {
	locks := newKeyedLocks()
	ctx := context.Background()

	unlock, err := locks.Lock(ctx, "acme/core#1")
	require.NoError(t, err)

	// A different key is independent.
	other, err := locks.Lock(ctx, "acme/core#2")
	require.NoError(t, err)
	other()

	acquired := make(chan func(), 1)
	go func() {
		u, err := locks.Lock(ctx, "acme/core#1")
		if err == nil {
			acquired <- u
		}
	}()
	select {
	case <-acquired:
		t.Fatal("second holder acquired a held lock")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()
	select {
	case u := <-acquired:
		u()
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the lock")
	}
	assert.Zero(t, locks.size())
}

func TestKeyedLocksHonourContext(t *testing.T) {
	locks := newKeyedLocks()
	unlock, err := locks.Lock(context.Background(), "global")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = locks.Lock(ctx, "global")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 1, locks.size())
}

func TestRetryBackoffBounds(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond}
	for attempt := 0; attempt < 40; attempt++ {
		d := p.backoff(attempt)
		window := p.BaseBackoff << uint(min(max(attempt, 1)-1, 16))
		if window > p.MaxBackoff {
			window = p.MaxBackoff
		}
		if d < window/2 || d > window {
			t.Fatalf("attempt %d: backoff %s outside [%s, %s]", attempt, d, window/2, window)
		}
	}
}

func TestMetricsRegisterOnce(t *testing.T) {
	var nilMetrics *Metrics
	nilMetrics.IncDecision("blocked")

	m := &Metrics{}
	m.IncDecision("blocked")

	reg := prometheus.NewRegistry()
	m.Register(reg)
	m.Register(reg)
	m.IncDecision("blocked")
	m.IncDecision("blocked")
	m.SetAuditCorrupted(true)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.decisions.WithLabelValues("blocked")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.auditCorrupted))
}
