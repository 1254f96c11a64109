package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/BTCDecoded/governance-app/internal/audit"
	"github.com/BTCDecoded/governance-app/internal/governance"
	"github.com/BTCDecoded/governance-app/internal/registry"
	"github.com/BTCDecoded/governance-app/internal/storage"
)

type txn struct {
	q querier
}

var _ storage.Tx = (*txn)(nil)

const prColumns = `repo, number, title, author, head_sha, tier, tier_overridden, state, opened_at,
review_period_met, signatures_met, veto_active, verdict, decision_hash, created_at, updated_at`

func (t *txn) GetPullRequest(ctx context.Context, repo string, number int) (governance.PullRequest, bool, error) {
	var pr governance.PullRequest
	var tier int
	var state, verdict string
	err := t.q.QueryRow(ctx, `SELECT `+prColumns+` FROM pull_requests WHERE repo = $1 AND number = $2`, repo, number).Scan(
		&pr.Repo, &pr.Number, &pr.Title, &pr.Author, &pr.HeadSHA, &tier, &pr.TierOverridden, &state, &pr.OpenedAt,
		&pr.ReviewPeriodMet, &pr.SignaturesMet, &pr.VetoActive, &verdict, &pr.DecisionHash, &pr.CreatedAt, &pr.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return pr, false, nil
	}
	if err != nil {
		return pr, false, err
	}
	pr.Tier = governance.Tier(tier)
	pr.State = governance.PRState(state)
	pr.Verdict = governance.Verdict(verdict)
	pr.OpenedAt = pr.OpenedAt.UTC()
	pr.CreatedAt = pr.CreatedAt.UTC()
	pr.UpdatedAt = pr.UpdatedAt.UTC()
	return pr, true, nil
}

func (t *txn) UpsertPullRequest(ctx context.Context, pr governance.PullRequest) error {
	_, err := t.q.Exec(ctx, `
INSERT INTO pull_requests (`+prColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
ON CONFLICT (repo, number) DO UPDATE SET
  title = EXCLUDED.title,
  author = EXCLUDED.author,
  head_sha = EXCLUDED.head_sha,
  tier = EXCLUDED.tier,
  tier_overridden = EXCLUDED.tier_overridden,
  state = EXCLUDED.state,
  opened_at = EXCLUDED.opened_at,
  review_period_met = EXCLUDED.review_period_met,
  signatures_met = EXCLUDED.signatures_met,
  veto_active = EXCLUDED.veto_active,
  verdict = EXCLUDED.verdict,
  decision_hash = EXCLUDED.decision_hash,
  updated_at = EXCLUDED.updated_at
`, pr.Repo, pr.Number, pr.Title, pr.Author, pr.HeadSHA, int(pr.Tier), pr.TierOverridden, string(pr.State), pr.OpenedAt.UTC(),
		pr.ReviewPeriodMet, pr.SignaturesMet, pr.VetoActive, string(pr.Verdict), pr.DecisionHash, pr.CreatedAt.UTC(), pr.UpdatedAt.UTC())
	return err
}

const signatureColumns = `repo, number, signer, signature, source_id, status, reason, created_at`

func scanSignature(row pgx.Row) (governance.Signature, error) {
	var s governance.Signature
	var status string
	if err := row.Scan(&s.Repo, &s.Number, &s.Signer, &s.Signature, &s.SourceID, &status, &s.Reason, &s.CreatedAt); err != nil {
		return s, err
	}
	s.Status = governance.SignatureStatus(status)
	s.CreatedAt = s.CreatedAt.UTC()
	return s, nil
}

func (t *txn) ListSignatures(ctx context.Context, repo string, number int) ([]governance.Signature, error) {
	rows, err := t.q.Query(ctx, `
SELECT `+signatureColumns+`
FROM signatures
WHERE repo = $1 AND number = $2
ORDER BY id ASC
`, repo, number)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]governance.Signature, 0)
	for rows.Next() {
		s, err := scanSignature(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (t *txn) SignatureBySource(ctx context.Context, sourceID string) (governance.Signature, bool, error) {
	s, err := scanSignature(t.q.QueryRow(ctx, `SELECT `+signatureColumns+` FROM signatures WHERE source_id = $1`, sourceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return s, false, nil
	}
	if err != nil {
		return s, false, err
	}
	return s, true, nil
}

func (t *txn) InsertSignature(ctx context.Context, s governance.Signature) error {
	_, err := t.q.Exec(ctx, `
INSERT INTO signatures (`+signatureColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
`, s.Repo, s.Number, s.Signer, s.Signature, s.SourceID, string(s.Status), s.Reason, s.CreatedAt.UTC())
	return err
}

const vetoColumns = `id, repo, number, node_id, node_kind, kind, weight, strength, rationale, signature, active, created_at, withdrawn_at`

func (t *txn) ListVetoSignals(ctx context.Context, repo string, number int) ([]governance.VetoSignal, error) {
	rows, err := t.q.Query(ctx, `
SELECT `+vetoColumns+`
FROM veto_signals
WHERE repo = $1 AND number = $2
ORDER BY created_at ASC, id ASC
`, repo, number)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]governance.VetoSignal, 0)
	for rows.Next() {
		var v governance.VetoSignal
		var nodeKind, kind string
		if err := rows.Scan(&v.ID, &v.Repo, &v.Number, &v.NodeID, &nodeKind, &kind, &v.Weight, &v.Strength,
			&v.Rationale, &v.Signature, &v.Active, &v.CreatedAt, &v.WithdrawnAt); err != nil {
			return nil, err
		}
		v.NodeKind = registry.NodeKind(nodeKind)
		v.Kind = governance.SignalKind(kind)
		v.CreatedAt = v.CreatedAt.UTC()
		v.WithdrawnAt = utcPtr(v.WithdrawnAt)
		out = append(out, v)
	}
	return out, rows.Err()
}

func (t *txn) InsertVetoSignal(ctx context.Context, v governance.VetoSignal) error {
	_, err := t.q.Exec(ctx, `
INSERT INTO veto_signals (`+vetoColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
`, v.ID, v.Repo, v.Number, v.NodeID, string(v.NodeKind), string(v.Kind), v.Weight, v.Strength,
		v.Rationale, v.Signature, v.Active, v.CreatedAt.UTC(), utcPtr(v.WithdrawnAt))
	return err
}

func (t *txn) WithdrawVetoSignal(ctx context.Context, repo string, number int, nodeID string, at time.Time) (bool, error) {
	tag, err := t.q.Exec(ctx, `
UPDATE veto_signals
SET active = FALSE, withdrawn_at = $4
WHERE repo = $1 AND number = $2 AND node_id = $3 AND active
`, repo, number, nodeID, at.UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

const emergencyColumns = `id, scope, tier, state, activated_by, reason, evidence, signers, activated_at, expires_at,
extension_count, expired_at, post_mortem_deadline, post_mortem_url, post_mortem_at,
security_audit_deadline, security_audit_url, security_audit_at, closed_at`

func scanEmergency(row pgx.Row) (governance.Emergency, error) {
	var e governance.Emergency
	var tier int
	var state, signers string
	err := row.Scan(&e.ID, &e.Scope, &tier, &state, &e.ActivatedBy, &e.Reason, &e.Evidence, &signers, &e.ActivatedAt, &e.ExpiresAt,
		&e.ExtensionCount, &e.ExpiredAt, &e.PostMortemDeadline, &e.PostMortemURL, &e.PostMortemAt,
		&e.SecurityAuditDeadline, &e.SecurityAuditURL, &e.SecurityAuditAt, &e.ClosedAt)
	if err != nil {
		return e, err
	}
	if err := json.Unmarshal([]byte(signers), &e.Signers); err != nil {
		return e, fmt.Errorf("decode emergency %s signers: %w", e.ID, err)
	}
	e.Tier = governance.EmergencyTier(tier)
	e.State = governance.EmergencyState(state)
	e.ActivatedAt = e.ActivatedAt.UTC()
	e.ExpiresAt = e.ExpiresAt.UTC()
	e.ExpiredAt = utcPtr(e.ExpiredAt)
	e.PostMortemDeadline = utcPtr(e.PostMortemDeadline)
	e.PostMortemAt = utcPtr(e.PostMortemAt)
	e.SecurityAuditDeadline = utcPtr(e.SecurityAuditDeadline)
	e.SecurityAuditAt = utcPtr(e.SecurityAuditAt)
	e.ClosedAt = utcPtr(e.ClosedAt)
	return e, nil
}

func (t *txn) ActiveEmergency(ctx context.Context, scope string) (governance.Emergency, bool, error) {
	e, err := scanEmergency(t.q.QueryRow(ctx, `SELECT `+emergencyColumns+` FROM emergencies WHERE scope = $1 AND state = 'active'`, scope))
	if errors.Is(err, pgx.ErrNoRows) {
		return e, false, nil
	}
	if err != nil {
		return e, false, err
	}
	return e, true, nil
}

func (t *txn) OpenEmergencies(ctx context.Context, scope string) ([]governance.Emergency, error) {
	rows, err := t.q.Query(ctx, `
SELECT `+emergencyColumns+`
FROM emergencies
WHERE state IN ('active','expired') AND ($1 = '' OR scope = $1)
ORDER BY activated_at DESC, id ASC
`, scope)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]governance.Emergency, 0)
	for rows.Next() {
		e, err := scanEmergency(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *txn) InsertEmergency(ctx context.Context, e governance.Emergency) error {
	signers, err := encodeSigners(e.Signers)
	if err != nil {
		return err
	}
	_, err = t.q.Exec(ctx, `
INSERT INTO emergencies (`+emergencyColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
`, e.ID, e.Scope, int(e.Tier), string(e.State), e.ActivatedBy, e.Reason, e.Evidence, signers, e.ActivatedAt.UTC(), e.ExpiresAt.UTC(),
		e.ExtensionCount, utcPtr(e.ExpiredAt), utcPtr(e.PostMortemDeadline), e.PostMortemURL, utcPtr(e.PostMortemAt),
		utcPtr(e.SecurityAuditDeadline), e.SecurityAuditURL, utcPtr(e.SecurityAuditAt), utcPtr(e.ClosedAt))
	return err
}

func (t *txn) UpdateEmergency(ctx context.Context, e governance.Emergency) error {
	tag, err := t.q.Exec(ctx, `
UPDATE emergencies SET
  state = $2,
  expires_at = $3,
  extension_count = $4,
  expired_at = $5,
  post_mortem_deadline = $6,
  post_mortem_url = $7,
  post_mortem_at = $8,
  security_audit_deadline = $9,
  security_audit_url = $10,
  security_audit_at = $11,
  closed_at = $12
WHERE id = $1
`, e.ID, string(e.State), e.ExpiresAt.UTC(), e.ExtensionCount, utcPtr(e.ExpiredAt), utcPtr(e.PostMortemDeadline), e.PostMortemURL,
		utcPtr(e.PostMortemAt), utcPtr(e.SecurityAuditDeadline), e.SecurityAuditURL, utcPtr(e.SecurityAuditAt), utcPtr(e.ClosedAt))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("emergency %s: %w", e.ID, storage.ErrNotFound)
	}
	return nil
}

const auditColumns = `seq, ts, job_id, job_type, actor, payload, prev_log_hash, this_log_hash`

func scanAudit(row pgx.Row) (audit.Entry, error) {
	var e audit.Entry
	var payload string
	if err := row.Scan(&e.Seq, &e.Timestamp, &e.JobID, &e.JobType, &e.Actor, &payload, &e.PrevLogHash, &e.ThisLogHash); err != nil {
		return e, err
	}
	e.Timestamp = e.Timestamp.UTC()
	e.Payload = json.RawMessage(payload)
	return e, nil
}

func collectAudit(rows pgx.Rows) ([]audit.Entry, error) {
	defer rows.Close()
	out := make([]audit.Entry, 0)
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *txn) AuditTip(ctx context.Context) (*audit.Entry, error) {
	e, err := scanAudit(t.q.QueryRow(ctx, `SELECT `+auditColumns+` FROM audit_log ORDER BY seq DESC LIMIT 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (t *txn) HasAuditJob(ctx context.Context, jobID string) (bool, error) {
	var exists bool
	err := t.q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM audit_log WHERE job_id = $1)`, jobID).Scan(&exists)
	return exists, err
}

func (t *txn) InsertAuditEntry(ctx context.Context, e audit.Entry) error {
	_, err := t.q.Exec(ctx, `
INSERT INTO audit_log (`+auditColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
`, e.Seq, e.Timestamp.UTC(), e.JobID, e.JobType, e.Actor, string(e.Payload), e.PrevLogHash, e.ThisLogHash)
	return err
}

func (t *txn) RecordDelivery(ctx context.Context, deliveryID, event string, at time.Time) (bool, error) {
	tag, err := t.q.Exec(ctx, `
INSERT INTO webhook_deliveries (delivery_id, event, received_at)
VALUES ($1,$2,$3)
ON CONFLICT (delivery_id) DO NOTHING
`, deliveryID, event, at.UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *txn) LatestRuleset(ctx context.Context) (storage.RulesetRecord, bool, error) {
	var r storage.RulesetRecord
	err := t.q.QueryRow(ctx, `SELECT ruleset_hash, ruleset_json, loaded_at FROM ruleset_config ORDER BY id DESC LIMIT 1`).Scan(&r.Hash, &r.JSON, &r.LoadedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return r, false, nil
	}
	if err != nil {
		return r, false, err
	}
	r.LoadedAt = r.LoadedAt.UTC()
	return r, true, nil
}

func (t *txn) InsertRuleset(ctx context.Context, r storage.RulesetRecord) error {
	_, err := t.q.Exec(ctx, `
INSERT INTO ruleset_config (ruleset_hash, ruleset_json, loaded_at)
VALUES ($1,$2,$3)
`, r.Hash, r.JSON, r.LoadedAt.UTC())
	return err
}
