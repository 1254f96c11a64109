package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTCDecoded/governance-app/internal/storage"
)

// Sweeper expires emergencies whose window has passed.
type Sweeper interface {
	SweepEmergencies(ctx context.Context) (SweepResult, error)
}

type RelayParams struct {
	Store       storage.Store
	Publisher   StatusPublisher
	Sweeper     Sweeper
	BatchSize   int
	MaxAttempts int
	MaxBackoff  time.Duration
	Metrics     *Metrics
	Logger      *slog.Logger
	Clock       func() time.Time
}

// StatusRelay drains the status outbox. Items are published in id order;
// transient failures are retried with exponential backoff.
type StatusRelay struct {
	store       storage.Store
	publisher   StatusPublisher
	sweeper     Sweeper
	batchSize   int
	maxAttempts int
	maxBackoff  time.Duration
	metrics     *Metrics
	logger      *slog.Logger
	clock       func() time.Time
}

func NewStatusRelay(p RelayParams) (*StatusRelay, error) {
	if p.Store == nil {
		return nil, errors.New("store is required")
	}
	if p.Publisher == nil {
		return nil, errors.New("status publisher is required")
	}
	if p.BatchSize <= 0 {
		p.BatchSize = 50
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 20
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 10 * time.Minute
	}
	if p.Metrics == nil {
		p.Metrics = &Metrics{}
	}
	if p.Logger == nil {
		p.Logger = slog.New(slog.DiscardHandler)
	}
	if p.Clock == nil {
		p.Clock = time.Now
	}
	return &StatusRelay{
		store:       p.Store,
		publisher:   p.Publisher,
		sweeper:     p.Sweeper,
		batchSize:   p.BatchSize,
		maxAttempts: p.MaxAttempts,
		maxBackoff:  p.MaxBackoff,
		metrics:     p.Metrics,
		logger:      p.Logger,
		clock:       p.Clock,
	}, nil
}

func (r *StatusRelay) Run(ctx context.Context, pollInterval time.Duration) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	r.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *StatusRelay) tick(ctx context.Context) {
	if r.sweeper != nil {
		if _, err := r.sweeper.SweepEmergencies(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("emergency sweep failed", slog.String("error", err.Error()))
		}
	}
	if _, err := r.ProcessBatch(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error("relay batch failed", slog.String("error", err.Error()))
	}
}

// ProcessBatch publishes one batch of due items and reports how many were
// sent.
func (r *StatusRelay) ProcessBatch(ctx context.Context) (int, error) {
	items, err := r.store.FetchPendingStatus(ctx, r.batchSize, r.clock().UTC())
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, item := range items {
		ok, err := r.processItem(ctx, item)
		if err != nil {
			r.logger.Error("relay item failed",
				slog.Int64("outbox_id", item.ID),
				slog.String("repo", item.Repo),
				slog.Int("pr", item.Number),
				slog.String("error", err.Error()),
			)
			continue
		}
		if ok {
			sent++
		}
	}
	return sent, nil
}

func (r *StatusRelay) processItem(ctx context.Context, item storage.StatusUpdate) (bool, error) {
	pubErr := r.publisher.Publish(ctx, item)
	now := r.clock().UTC()
	if pubErr == nil {
		if err := r.store.MarkStatusSent(ctx, item.ID, now); err != nil {
			return false, err
		}
		r.metrics.IncStatusPublish("sent")
		r.logger.Info("status published",
			slog.Int64("outbox_id", item.ID),
			slog.String("repo", item.Repo),
			slog.Int("pr", item.Number),
			slog.String("state", item.State),
		)
		return true, nil
	}

	attempts := item.Attempts + 1
	lastError := truncate(pubErr.Error(), 1500)
	var permanent *PermanentError
	if errors.As(pubErr, &permanent) || attempts >= r.maxAttempts {
		r.metrics.IncStatusPublish("failed")
		if err := r.store.MarkStatusFailed(ctx, item.ID, attempts, lastError); err != nil {
			return false, err
		}
		return false, fmt.Errorf("giving up after %d attempts: %w", attempts, pubErr)
	}
	r.metrics.IncStatusPublish("retry")
	next := now.Add(computeBackoff(attempts, r.maxBackoff))
	if err := r.store.MarkStatusRetry(ctx, item.ID, attempts, next, lastError); err != nil {
		return false, err
	}
	return false, nil
}

func computeBackoff(attempts int, max time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	backoff := time.Duration(1<<uint(min(attempts, 10))) * 5 * time.Second
	if backoff > max {
		return max
	}
	return backoff
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
