package postgres

import (
	"context"
	"time"

	"github.com/BTCDecoded/governance-app/internal/storage"
)

func (t *txn) EnqueueStatus(ctx context.Context, u storage.StatusUpdate) error {
	now := u.CreatedAt.UTC()
	_, err := t.q.Exec(ctx, `
INSERT INTO status_outbox (repo, number, head_sha, state, context, description, body, status, attempts, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,'pending',0,$8,$8)
`, u.Repo, u.Number, u.HeadSHA, u.State, u.Context, u.Description, u.Body, now)
	return err
}

func (s *Store) FetchPendingStatus(ctx context.Context, limit int, now time.Time) ([]storage.StatusUpdate, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, repo, number, head_sha, state, context, description, body, status, attempts, COALESCE(last_error,''), next_attempt_at, created_at
FROM status_outbox
WHERE status = 'pending'
  AND (next_attempt_at IS NULL OR next_attempt_at <= $2)
ORDER BY id ASC
LIMIT $1
`, limit, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := make([]storage.StatusUpdate, 0)
	for rows.Next() {
		var item storage.StatusUpdate
		if err := rows.Scan(&item.ID, &item.Repo, &item.Number, &item.HeadSHA, &item.State, &item.Context, &item.Description,
			&item.Body, &item.Status, &item.Attempts, &item.LastError, &item.NextAttemptAt, &item.CreatedAt); err != nil {
			return nil, err
		}
		item.NextAttemptAt = utcPtr(item.NextAttemptAt)
		item.CreatedAt = item.CreatedAt.UTC()
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) MarkStatusSent(ctx context.Context, id int64, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
UPDATE status_outbox
SET status = 'sent',
    last_error = NULL,
    next_attempt_at = NULL,
    sent_at = $2,
    updated_at = $2
WHERE id = $1
`, id, at.UTC())
	return err
}

func (s *Store) MarkStatusRetry(ctx context.Context, id int64, attempts int, nextAttempt time.Time, lastError string) error {
	_, err := s.pool.Exec(ctx, `
UPDATE status_outbox
SET status = 'pending',
    attempts = $2,
    last_error = $3,
    next_attempt_at = $4,
    updated_at = NOW()
WHERE id = $1
`, id, attempts, lastError, nextAttempt.UTC())
	return err
}

func (s *Store) MarkStatusFailed(ctx context.Context, id int64, attempts int, lastError string) error {
	_, err := s.pool.Exec(ctx, `
UPDATE status_outbox
SET status = 'failed',
    attempts = $2,
    last_error = $3,
    next_attempt_at = NULL,
    updated_at = NOW()
WHERE id = $1
`, id, attempts, lastError)
	return err
}
