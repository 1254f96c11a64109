package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

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
	var state, verdict, opened, created, updated string
	err := t.q.QueryRowContext(ctx, `SELECT `+prColumns+` FROM pull_requests WHERE repo = ? AND number = ?`, repo, number).Scan(
		&pr.Repo, &pr.Number, &pr.Title, &pr.Author, &pr.HeadSHA, &tier, &pr.TierOverridden, &state, &opened,
		&pr.ReviewPeriodMet, &pr.SignaturesMet, &pr.VetoActive, &verdict, &pr.DecisionHash, &created, &updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return pr, false, nil
	}
	if err != nil {
		return pr, false, err
	}
	var dec timeDecoder
	pr.Tier = governance.Tier(tier)
	pr.State = governance.PRState(state)
	pr.Verdict = governance.Verdict(verdict)
	pr.OpenedAt = dec.at(opened)
	pr.CreatedAt = dec.at(created)
	pr.UpdatedAt = dec.at(updated)
	return pr, true, dec.err
}

func (t *txn) UpsertPullRequest(ctx context.Context, pr governance.PullRequest) error {
	_, err := t.q.ExecContext(ctx, `
INSERT INTO pull_requests (`+prColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (repo, number) DO UPDATE SET
	title = excluded.title,
	author = excluded.author,
	head_sha = excluded.head_sha,
	tier = excluded.tier,
	tier_overridden = excluded.tier_overridden,
	state = excluded.state,
	opened_at = excluded.opened_at,
	review_period_met = excluded.review_period_met,
	signatures_met = excluded.signatures_met,
	veto_active = excluded.veto_active,
	verdict = excluded.verdict,
	decision_hash = excluded.decision_hash,
	updated_at = excluded.updated_at`,
		pr.Repo, pr.Number, pr.Title, pr.Author, pr.HeadSHA, int(pr.Tier), pr.TierOverridden, string(pr.State), ts(pr.OpenedAt),
		pr.ReviewPeriodMet, pr.SignaturesMet, pr.VetoActive, string(pr.Verdict), pr.DecisionHash, ts(pr.CreatedAt), ts(pr.UpdatedAt))
	return err
}

const signatureColumns = `repo, number, signer, signature, source_id, status, reason, created_at`

func scanSignature(row scanner) (governance.Signature, error) {
	var s governance.Signature
	var status, created string
	if err := row.Scan(&s.Repo, &s.Number, &s.Signer, &s.Signature, &s.SourceID, &status, &s.Reason, &created); err != nil {
		return s, err
	}
	var dec timeDecoder
	s.Status = governance.SignatureStatus(status)
	s.CreatedAt = dec.at(created)
	return s, dec.err
}

func (t *txn) ListSignatures(ctx context.Context, repo string, number int) ([]governance.Signature, error) {
	rows, err := t.q.QueryContext(ctx, `SELECT `+signatureColumns+` FROM signatures WHERE repo = ? AND number = ? ORDER BY id ASC`, repo, number)
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
	s, err := scanSignature(t.q.QueryRowContext(ctx, `SELECT `+signatureColumns+` FROM signatures WHERE source_id = ?`, sourceID))
	if errors.Is(err, sql.ErrNoRows) {
		return s, false, nil
	}
	if err != nil {
		return s, false, err
	}
	return s, true, nil
}

func (t *txn) InsertSignature(ctx context.Context, s governance.Signature) error {
	_, err := t.q.ExecContext(ctx, `INSERT INTO signatures (`+signatureColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.Repo, s.Number, s.Signer, s.Signature, s.SourceID, string(s.Status), s.Reason, ts(s.CreatedAt))
	return err
}

const vetoColumns = `id, repo, number, node_id, node_kind, kind, weight, strength, rationale, signature, active, created_at, withdrawn_at`

func (t *txn) ListVetoSignals(ctx context.Context, repo string, number int) ([]governance.VetoSignal, error) {
	rows, err := t.q.QueryContext(ctx, `
SELECT `+vetoColumns+`
FROM veto_signals
WHERE repo = ? AND number = ?
ORDER BY created_at ASC, id ASC`, repo, number)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var dec timeDecoder
	out := make([]governance.VetoSignal, 0)
	for rows.Next() {
		var v governance.VetoSignal
		var nodeKind, kind, created string
		var withdrawn sql.NullString
		if err := rows.Scan(&v.ID, &v.Repo, &v.Number, &v.NodeID, &nodeKind, &kind, &v.Weight, &v.Strength,
			&v.Rationale, &v.Signature, &v.Active, &created, &withdrawn); err != nil {
			return nil, err
		}
		v.NodeKind = registry.NodeKind(nodeKind)
		v.Kind = governance.SignalKind(kind)
		v.CreatedAt = dec.at(created)
		v.WithdrawnAt = dec.ptr(withdrawn)
		out = append(out, v)
	}
	return out, errors.Join(rows.Err(), dec.err)
}

func (t *txn) InsertVetoSignal(ctx context.Context, v governance.VetoSignal) error {
	_, err := t.q.ExecContext(ctx, `INSERT INTO veto_signals (`+vetoColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.Repo, v.Number, v.NodeID, string(v.NodeKind), string(v.Kind), v.Weight, v.Strength,
		v.Rationale, v.Signature, v.Active, ts(v.CreatedAt), nullTS(v.WithdrawnAt))
	return err
}

func (t *txn) WithdrawVetoSignal(ctx context.Context, repo string, number int, nodeID string, at time.Time) (bool, error) {
	res, err := t.q.ExecContext(ctx, `
UPDATE veto_signals SET active = 0, withdrawn_at = ?
WHERE repo = ? AND number = ? AND node_id = ? AND active = 1`, ts(at), repo, number, nodeID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

const emergencyColumns = `id, scope, tier, state, activated_by, reason, evidence, signers, activated_at, expires_at,
extension_count, expired_at, post_mortem_deadline, post_mortem_url, post_mortem_at,
security_audit_deadline, security_audit_url, security_audit_at, closed_at`

func scanEmergency(row scanner) (governance.Emergency, error) {
	var e governance.Emergency
	var tier int
	var state, signers, activated, expires string
	var expired, pmDeadline, pmAt, saDeadline, saAt, closed sql.NullString
	err := row.Scan(&e.ID, &e.Scope, &tier, &state, &e.ActivatedBy, &e.Reason, &e.Evidence, &signers, &activated, &expires,
		&e.ExtensionCount, &expired, &pmDeadline, &e.PostMortemURL, &pmAt,
		&saDeadline, &e.SecurityAuditURL, &saAt, &closed)
	if err != nil {
		return e, err
	}
	if err := json.Unmarshal([]byte(signers), &e.Signers); err != nil {
		return e, fmt.Errorf("decode emergency %s signers: %w", e.ID, err)
	}
	var dec timeDecoder
	e.Tier = governance.EmergencyTier(tier)
	e.State = governance.EmergencyState(state)
	e.ActivatedAt = dec.at(activated)
	e.ExpiresAt = dec.at(expires)
	e.ExpiredAt = dec.ptr(expired)
	e.PostMortemDeadline = dec.ptr(pmDeadline)
	e.PostMortemAt = dec.ptr(pmAt)
	e.SecurityAuditDeadline = dec.ptr(saDeadline)
	e.SecurityAuditAt = dec.ptr(saAt)
	e.ClosedAt = dec.ptr(closed)
	return e, dec.err
}

func (t *txn) ActiveEmergency(ctx context.Context, scope string) (governance.Emergency, bool, error) {
	e, err := scanEmergency(t.q.QueryRowContext(ctx, `SELECT `+emergencyColumns+` FROM emergencies WHERE scope = ? AND state = 'active'`, scope))
	if errors.Is(err, sql.ErrNoRows) {
		return e, false, nil
	}
	if err != nil {
		return e, false, err
	}
	return e, true, nil
}

func (t *txn) OpenEmergencies(ctx context.Context, scope string) ([]governance.Emergency, error) {
	rows, err := t.q.QueryContext(ctx, `
SELECT `+emergencyColumns+`
FROM emergencies
WHERE state IN ('active','expired') AND (? = '' OR scope = ?)
ORDER BY activated_at DESC, id ASC`, scope, scope)
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
	_, err = t.q.ExecContext(ctx, `INSERT INTO emergencies (`+emergencyColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Scope, int(e.Tier), string(e.State), e.ActivatedBy, e.Reason, e.Evidence, signers, ts(e.ActivatedAt), ts(e.ExpiresAt),
		e.ExtensionCount, nullTS(e.ExpiredAt), nullTS(e.PostMortemDeadline), e.PostMortemURL, nullTS(e.PostMortemAt),
		nullTS(e.SecurityAuditDeadline), e.SecurityAuditURL, nullTS(e.SecurityAuditAt), nullTS(e.ClosedAt))
	return err
}

func (t *txn) UpdateEmergency(ctx context.Context, e governance.Emergency) error {
	res, err := t.q.ExecContext(ctx, `
UPDATE emergencies SET
	state = ?,
	expires_at = ?,
	extension_count = ?,
	expired_at = ?,
	post_mortem_deadline = ?,
	post_mortem_url = ?,
	post_mortem_at = ?,
	security_audit_deadline = ?,
	security_audit_url = ?,
	security_audit_at = ?,
	closed_at = ?
WHERE id = ?`,
		string(e.State), ts(e.ExpiresAt), e.ExtensionCount, nullTS(e.ExpiredAt), nullTS(e.PostMortemDeadline), e.PostMortemURL,
		nullTS(e.PostMortemAt), nullTS(e.SecurityAuditDeadline), e.SecurityAuditURL, nullTS(e.SecurityAuditAt), nullTS(e.ClosedAt), e.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("emergency %s: %w", e.ID, storage.ErrNotFound)
	}
	return nil
}

const auditColumns = `seq, ts, job_id, job_type, actor, payload, prev_log_hash, this_log_hash`

func scanAudit(row scanner) (audit.Entry, error) {
	var e audit.Entry
	var stamp, payload string
	if err := row.Scan(&e.Seq, &stamp, &e.JobID, &e.JobType, &e.Actor, &payload, &e.PrevLogHash, &e.ThisLogHash); err != nil {
		return e, err
	}
	var dec timeDecoder
	e.Timestamp = dec.at(stamp)
	e.Payload = json.RawMessage(payload)
	return e, dec.err
}

func collectAudit(rows *sql.Rows) ([]audit.Entry, error) {
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
	e, err := scanAudit(t.q.QueryRowContext(ctx, `SELECT `+auditColumns+` FROM audit_log ORDER BY seq DESC LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (t *txn) HasAuditJob(ctx context.Context, jobID string) (bool, error) {
	var n int
	err := t.q.QueryRowContext(ctx, `SELECT COUNT(1) FROM audit_log WHERE job_id = ?`, jobID).Scan(&n)
	return n > 0, err
}

func (t *txn) InsertAuditEntry(ctx context.Context, e audit.Entry) error {
	_, err := t.q.ExecContext(ctx, `INSERT INTO audit_log (`+auditColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Seq, audit.FormatTimestamp(e.Timestamp), e.JobID, e.JobType, e.Actor, string(e.Payload), e.PrevLogHash, e.ThisLogHash)
	return err
}

func (t *txn) RecordDelivery(ctx context.Context, deliveryID, event string, at time.Time) (bool, error) {
	res, err := t.q.ExecContext(ctx, `
INSERT INTO webhook_deliveries (delivery_id, event, received_at) VALUES (?, ?, ?)
ON CONFLICT (delivery_id) DO NOTHING`, deliveryID, event, ts(at))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (t *txn) EnqueueStatus(ctx context.Context, u storage.StatusUpdate) error {
	now := ts(u.CreatedAt)
	_, err := t.q.ExecContext(ctx, `
INSERT INTO status_outbox (repo, number, head_sha, state, context, description, body, status, attempts, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', 0, ?, ?)`,
		u.Repo, u.Number, u.HeadSHA, u.State, u.Context, u.Description, u.Body, now, now)
	return err
}

func (t *txn) LatestRuleset(ctx context.Context) (storage.RulesetRecord, bool, error) {
	var r storage.RulesetRecord
	var loaded string
	err := t.q.QueryRowContext(ctx, `SELECT ruleset_hash, ruleset_json, loaded_at FROM ruleset_config ORDER BY id DESC LIMIT 1`).Scan(&r.Hash, &r.JSON, &loaded)
	if errors.Is(err, sql.ErrNoRows) {
		return r, false, nil
	}
	if err != nil {
		return r, false, err
	}
	var dec timeDecoder
	r.LoadedAt = dec.at(loaded)
	return r, true, dec.err
}

func (t *txn) InsertRuleset(ctx context.Context, r storage.RulesetRecord) error {
	_, err := t.q.ExecContext(ctx, `INSERT INTO ruleset_config (ruleset_hash, ruleset_json, loaded_at) VALUES (?, ?, ?)`,
		r.Hash, r.JSON, ts(r.LoadedAt))
	return err
}
