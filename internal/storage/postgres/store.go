package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/BTCDecoded/governance-app/internal/audit"
	"github.com/BTCDecoded/governance-app/internal/registry"
	"github.com/BTCDecoded/governance-app/internal/storage"
)

//go:embed migrations/001_init.sql
var migration001 string

type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Store = (*Store)(nil)

func Open(ctx context.Context, dsn string, maxConns, minConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns >= 0 {
		cfg.MinConns = minConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	store := &Store{pool: pool}
	if err := store.applyMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) applyMigrations(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, migration001); err != nil {
		return fmt.Errorf("apply migration 001: %w", err)
	}
	return nil
}

// querier is satisfied by both the pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) WithTx(ctx context.Context, fn func(storage.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return mapErr(err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	if err := fn(&txn{q: tx}); err != nil {
		return mapErr(err)
	}
	return mapErr(tx.Commit(ctx))
}

func (s *Store) AuditTip(ctx context.Context) (*audit.Entry, error) {
	return (&txn{q: s.pool}).AuditTip(ctx)
}

func (s *Store) ListAuditEntries(ctx context.Context, fromSeq int64, limit int) ([]audit.Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+auditColumns+`
FROM audit_log
WHERE seq >= $1
ORDER BY seq ASC
LIMIT $2
`, fromSeq, limit)
	if err != nil {
		return nil, err
	}
	return collectAudit(rows)
}

func (s *Store) AllAuditEntries(ctx context.Context) ([]audit.Entry, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+auditColumns+` FROM audit_log ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	return collectAudit(rows)
}

func (s *Store) LoadRegistry(ctx context.Context) ([]registry.Maintainer, []registry.EconomicNode, error) {
	rows, err := s.pool.Query(ctx, `SELECT username, public_key, layer, active, updated_at FROM maintainers ORDER BY username, public_key`)
	if err != nil {
		return nil, nil, err
	}
	maintainers := make([]registry.Maintainer, 0)
	for rows.Next() {
		var m registry.Maintainer
		if err := rows.Scan(&m.Username, &m.PublicKey, &m.Layer, &m.Active, &m.UpdatedAt); err != nil {
			rows.Close()
			return nil, nil, err
		}
		m.UpdatedAt = m.UpdatedAt.UTC()
		maintainers = append(maintainers, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	rows, err = s.pool.Query(ctx, `
SELECT id, kind, public_key, weight, status, COALESCE(handle,''), evidence, registered_at
FROM economic_nodes ORDER BY id
`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	nodes := make([]registry.EconomicNode, 0)
	for rows.Next() {
		var n registry.EconomicNode
		var kind, status string
		if err := rows.Scan(&n.ID, &kind, &n.PublicKey, &n.Weight, &status, &n.Handle, &n.Evidence, &n.RegisteredAt); err != nil {
			return nil, nil, err
		}
		n.Kind = registry.NodeKind(kind)
		n.Status = registry.NodeStatus(status)
		n.RegisteredAt = n.RegisteredAt.UTC()
		nodes = append(nodes, n)
	}
	return maintainers, nodes, rows.Err()
}

func (s *Store) ReplaceRegistry(ctx context.Context, maintainers []registry.Maintainer, nodes []registry.EconomicNode) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return mapErr(err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	if _, err := tx.Exec(ctx, `DELETE FROM maintainers`); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM economic_nodes`); err != nil {
		return err
	}
	for _, m := range maintainers {
		_, err := tx.Exec(ctx, `
INSERT INTO maintainers (username, public_key, layer, active, updated_at)
VALUES ($1,$2,$3,$4,$5)
`, m.Username, m.PublicKey, m.Layer, m.Active, m.UpdatedAt.UTC())
		if err != nil {
			return mapErr(fmt.Errorf("insert maintainer %s: %w", m.Username, err))
		}
	}
	for _, n := range nodes {
		_, err := tx.Exec(ctx, `
INSERT INTO economic_nodes (id, kind, public_key, weight, status, handle, evidence, registered_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
`, n.ID, string(n.Kind), n.PublicKey, n.Weight, string(n.Status), nullableString(n.Handle), n.Evidence, n.RegisteredAt.UTC())
		if err != nil {
			return mapErr(fmt.Errorf("insert economic node %s: %w", n.ID, err))
		}
	}
	return mapErr(tx.Commit(ctx))
}

// mapErr folds serialization failures, deadlocks and unique violations
// into storage.ErrConflict.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "23505":
			return fmt.Errorf("%w: %w", storage.ErrConflict, err)
		}
	}
	return err
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
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
