package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/BTCDecoded/governance-app/internal/audit"
	"github.com/BTCDecoded/governance-app/internal/registry"
	"github.com/BTCDecoded/governance-app/internal/storage"
)

// Store keeps governance state in a single SQLite file. It holds one
// connection, so every transaction is serialized.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() {
	_ = s.db.Close()
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) WithTx(ctx context.Context, fn func(storage.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr(err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if err := fn(&txn{q: tx}); err != nil {
		return mapErr(err)
	}
	return mapErr(tx.Commit())
}

func (s *Store) AuditTip(ctx context.Context) (*audit.Entry, error) {
	return (&txn{q: s.db}).AuditTip(ctx)
}

func (s *Store) ListAuditEntries(ctx context.Context, fromSeq int64, limit int) ([]audit.Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+auditColumns+` FROM audit_log WHERE seq >= ? ORDER BY seq ASC LIMIT ?`, fromSeq, limit)
	if err != nil {
		return nil, err
	}
	return collectAudit(rows)
}

func (s *Store) AllAuditEntries(ctx context.Context) ([]audit.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+auditColumns+` FROM audit_log ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	return collectAudit(rows)
}

func (s *Store) LoadRegistry(ctx context.Context) ([]registry.Maintainer, []registry.EconomicNode, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT username, public_key, layer, active, updated_at FROM maintainers ORDER BY username, public_key`)
	if err != nil {
		return nil, nil, err
	}
	var dec timeDecoder
	maintainers := make([]registry.Maintainer, 0)
	for rows.Next() {
		var m registry.Maintainer
		var updated string
		if err := rows.Scan(&m.Username, &m.PublicKey, &m.Layer, &m.Active, &updated); err != nil {
			rows.Close()
			return nil, nil, err
		}
		m.UpdatedAt = dec.at(updated)
		maintainers = append(maintainers, m)
	}
	rows.Close()
	if err := errors.Join(rows.Err(), dec.err); err != nil {
		return nil, nil, err
	}

	rows, err = s.db.QueryContext(ctx, `
SELECT id, kind, public_key, weight, status, COALESCE(handle,''), evidence, registered_at
FROM economic_nodes ORDER BY id`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	nodes := make([]registry.EconomicNode, 0)
	for rows.Next() {
		var n registry.EconomicNode
		var kind, status, registered string
		if err := rows.Scan(&n.ID, &kind, &n.PublicKey, &n.Weight, &status, &n.Handle, &n.Evidence, &registered); err != nil {
			return nil, nil, err
		}
		n.Kind = registry.NodeKind(kind)
		n.Status = registry.NodeStatus(status)
		n.RegisteredAt = dec.at(registered)
		nodes = append(nodes, n)
	}
	return maintainers, nodes, errors.Join(rows.Err(), dec.err)
}

func (s *Store) ReplaceRegistry(ctx context.Context, maintainers []registry.Maintainer, nodes []registry.EconomicNode) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr(err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if _, err := tx.ExecContext(ctx, `DELETE FROM maintainers`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM economic_nodes`); err != nil {
		return err
	}
	for _, m := range maintainers {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO maintainers (username, public_key, layer, active, updated_at) VALUES (?, ?, ?, ?, ?)`,
			m.Username, m.PublicKey, m.Layer, m.Active, ts(m.UpdatedAt),
		); err != nil {
			return mapErr(fmt.Errorf("insert maintainer %s: %w", m.Username, err))
		}
	}
	for _, n := range nodes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO economic_nodes (id, kind, public_key, weight, status, handle, evidence, registered_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			n.ID, string(n.Kind), n.PublicKey, n.Weight, string(n.Status), nullableString(n.Handle), n.Evidence, ts(n.RegisteredAt),
		); err != nil {
			return mapErr(fmt.Errorf("insert economic node %s: %w", n.ID, err))
		}
	}
	return mapErr(tx.Commit())
}

func (s *Store) FetchPendingStatus(ctx context.Context, limit int, now time.Time) ([]storage.StatusUpdate, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, repo, number, head_sha, state, context, description, body, status, attempts, COALESCE(last_error,''), next_attempt_at, created_at
FROM status_outbox
WHERE status = 'pending'
  AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
ORDER BY id ASC
LIMIT ?`, ts(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var dec timeDecoder
	items := make([]storage.StatusUpdate, 0)
	for rows.Next() {
		var item storage.StatusUpdate
		var next sql.NullString
		var created string
		if err := rows.Scan(&item.ID, &item.Repo, &item.Number, &item.HeadSHA, &item.State, &item.Context, &item.Description,
			&item.Body, &item.Status, &item.Attempts, &item.LastError, &next, &created); err != nil {
			return nil, err
		}
		item.NextAttemptAt = dec.ptr(next)
		item.CreatedAt = dec.at(created)
		items = append(items, item)
	}
	return items, errors.Join(rows.Err(), dec.err)
}

func (s *Store) MarkStatusSent(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE status_outbox
SET status = 'sent', last_error = NULL, next_attempt_at = NULL, sent_at = ?, updated_at = ?
WHERE id = ?`, ts(at), ts(at), id)
	return err
}

func (s *Store) MarkStatusRetry(ctx context.Context, id int64, attempts int, nextAttempt time.Time, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE status_outbox
SET status = 'pending', attempts = ?, last_error = ?, next_attempt_at = ?, updated_at = ?
WHERE id = ?`, attempts, lastError, ts(nextAttempt), ts(time.Now()), id)
	return err
}

func (s *Store) MarkStatusFailed(ctx context.Context, id int64, attempts int, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE status_outbox
SET status = 'failed', attempts = ?, last_error = ?, next_attempt_at = NULL, updated_at = ?
WHERE id = ?`, attempts, lastError, ts(time.Now()), id)
	return err
}

// tsLayout is fixed width so stored timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func nullTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}

// timeDecoder parses stored timestamps and keeps the first failure.
type timeDecoder struct {
	err error
}

func (d *timeDecoder) at(raw string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil && d.err == nil {
		d.err = fmt.Errorf("parse timestamp %q: %w", raw, err)
	}
	return t.UTC()
}

func (d *timeDecoder) ptr(raw sql.NullString) *time.Time {
	if !raw.Valid {
		return nil
	}
	t := d.at(raw.String)
	return &t
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func encodeSigners(signers []string) (string, error) {
	if signers == nil {
		signers = []string{}
	}
	raw, err := json.Marshal(signers)
	if err != nil {
		return "", fmt.Errorf("marshal signers: %w", err)
	}
	return string(raw), nil
}

// mapErr folds constraint races and lock contention into
// storage.ErrConflict.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") {
		return fmt.Errorf("%w: %w", storage.ErrConflict, err)
	}
	return err
}
