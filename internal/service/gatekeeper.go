package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sasha-s/go-deadlock"

	"github.com/BTCDecoded/governance-app/internal/audit"
	"github.com/BTCDecoded/governance-app/internal/governance"
	"github.com/BTCDecoded/governance-app/internal/protocol"
	"github.com/BTCDecoded/governance-app/internal/registry"
	"github.com/BTCDecoded/governance-app/internal/storage"
)

const defaultStatusContext = "governance/gatekeeper"

// Gatekeeper is the decision combinator's write side: the only component
// that mutates pull request state, emergencies and the audit log.
type Gatekeeper struct {
	store         storage.Store
	registry      registry.Source
	verifier      governance.MessageVerifier
	classifier    *governance.Classifier
	rules         governance.Ruleset
	metrics       *Metrics
	logger        *slog.Logger
	clock         func() time.Time
	retry         RetryPolicy
	dryRun        bool
	statusContext string
	calendars     []Calendar

	prLocks    *keyedLocks
	scopeLocks *keyedLocks
	// writeMu makes this process the single audit writer: every
	// transaction that may append runs under it.
	writeMu   deadlock.Mutex
	corrupted atomic.Pointer[string]
}

type Params struct {
	Store         storage.Store
	Registry      registry.Source
	Verifier      governance.MessageVerifier
	Classifier    *governance.Classifier
	Rules         governance.Ruleset
	Metrics       *Metrics
	Logger        *slog.Logger
	Clock         func() time.Time
	Retry         RetryPolicy
	DryRun        bool
	StatusContext string
	// Calendars enables AnchorAudit.
	Calendars []Calendar
}

func New(params Params) (*Gatekeeper, error) {
	if params.Store == nil {
		return nil, errors.New("store is required")
	}
	if params.Registry == nil {
		return nil, errors.New("registry source is required")
	}
	if params.Verifier == nil {
		return nil, errors.New("signature verifier is required")
	}
	if err := params.Rules.Validate(); err != nil {
		return nil, fmt.Errorf("ruleset: %w", err)
	}
	if params.Classifier == nil {
		c, err := governance.NewClassifier(governance.DefaultClassifierConfig())
		if err != nil {
			return nil, err
		}
		params.Classifier = c
	}
	if params.Metrics == nil {
		params.Metrics = &Metrics{}
	}
	if params.Logger == nil {
		params.Logger = slog.New(slog.DiscardHandler)
	}
	if params.Clock == nil {
		params.Clock = time.Now
	}
	if params.Retry.MaxAttempts <= 0 {
		params.Retry = DefaultRetryPolicy()
	}
	if params.StatusContext == "" {
		params.StatusContext = defaultStatusContext
	}
	return &Gatekeeper{
		store:         params.Store,
		registry:      params.Registry,
		verifier:      params.Verifier,
		classifier:    params.Classifier,
		rules:         params.Rules,
		metrics:       params.Metrics,
		logger:        params.Logger,
		clock:         params.Clock,
		retry:         params.Retry,
		dryRun:        params.DryRun,
		statusContext: params.StatusContext,
		calendars:     params.Calendars,
		prLocks:       newKeyedLocks(),
		scopeLocks:    newKeyedLocks(),
	}, nil
}

func (g *Gatekeeper) Rules() governance.Ruleset {
	return g.rules
}

// now is truncated to the precision both stores keep.
func (g *Gatekeeper) now() time.Time {
	return g.clock().UTC().Truncate(time.Microsecond)
}

// Bootstrap verifies the stored audit chain and records the effective
// ruleset. A failed verification leaves the service in read-only mode
// rather than failing startup.
func (g *Gatekeeper) Bootstrap(ctx context.Context) error {
	if _, err := g.VerifyAudit(ctx, ""); err != nil {
		return err
	}
	if !g.ReadOnly() {
		if err := g.SnapshotRuleset(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (g *Gatekeeper) ReadOnly() bool {
	return g.corrupted.Load() != nil
}

func (g *Gatekeeper) markCorrupted(err error) {
	msg := err.Error()
	g.corrupted.Store(&msg)
	g.metrics.SetAuditCorrupted(true)
	g.logger.Error("audit log failed verification, writes disabled", slog.String("error", msg))
}

func (g *Gatekeeper) writable() error {
	if p := g.corrupted.Load(); p != nil {
		return CorruptionError("audit log failed verification; service is read-only", errors.New(*p))
	}
	return nil
}

// unit is one write transaction in flight.
type unit struct {
	tx       storage.Tx
	now      time.Time
	source   string
	appended []string
	decided  []governance.Verdict
}

// write runs fn in one transaction under the writer lock, retrying lost
// races. source, when set, derives deterministic audit job ids so a replay
// of the same input cannot append twice.
func (g *Gatekeeper) write(ctx context.Context, op, source string, fn func(u *unit) error) error {
	if err := g.writable(); err != nil {
		return err
	}
	var committed *unit
	err := g.withRetry(ctx, op, func() error {
		g.writeMu.Lock()
		defer g.writeMu.Unlock()
		u := &unit{now: g.now(), source: source}
		err := g.store.WithTx(ctx, func(tx storage.Tx) error {
			u.tx = tx
			return fn(u)
		})
		if err == nil {
			committed = u
		}
		return err
	})
	if err != nil {
		return classify(op, err)
	}
	for _, jobType := range committed.appended {
		g.metrics.IncAuditAppend(jobType)
	}
	for _, v := range committed.decided {
		g.metrics.IncDecision(string(v))
	}
	return nil
}

func (g *Gatekeeper) appendAudit(ctx context.Context, u *unit, jobType, actor string, payload any) error {
	return g.appendAuditKeyed(ctx, u, u.source, jobType, actor, payload)
}

// appendAuditKeyed appends one entry. A non-empty key makes the job id
// deterministic and the append a no-op when that job is already logged.
func (g *Gatekeeper) appendAuditKeyed(ctx context.Context, u *unit, key, jobType, actor string, payload any) error {
	jobID := ""
	if key != "" {
		jobID = audit.DerivedJobID(key, jobType)
		exists, err := u.tx.HasAuditJob(ctx, jobID)
		if err != nil {
			return fmt.Errorf("check audit job: %w", err)
		}
		if exists {
			return nil
		}
	}
	tip, err := u.tx.AuditTip(ctx)
	if err != nil {
		return fmt.Errorf("read audit tip: %w", err)
	}
	entry, err := audit.Next(tip, audit.Record{JobID: jobID, JobType: jobType, Actor: actor, Payload: payload}, u.now)
	if err != nil {
		return fmt.Errorf("build audit entry: %w", err)
	}
	if err := u.tx.InsertAuditEntry(ctx, entry); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	u.appended = append(u.appended, jobType)
	return nil
}

func (g *Gatekeeper) snapshot(ctx context.Context) (*registry.Snapshot, error) {
	snap, err := g.registry.Snapshot(ctx)
	if err != nil {
		return nil, Internal("load registry snapshot", err)
	}
	return snap, nil
}

func (g *Gatekeeper) lockPR(ctx context.Context, repo string, number int) (func(), error) {
	unlock, err := g.prLocks.Lock(ctx, protocol.PRKey(repo, number))
	if err != nil {
		return nil, TransientError("wait for pull request lock", err)
	}
	return unlock, nil
}

func (g *Gatekeeper) lockScope(ctx context.Context, scope string) (func(), error) {
	unlock, err := g.scopeLocks.Lock(ctx, scope)
	if err != nil {
		return nil, TransientError("wait for emergency scope lock", err)
	}
	return unlock, nil
}

// currentEmergency loads the scope's active emergency, moving it to expired
// first when its window has passed.
func (g *Gatekeeper) currentEmergency(ctx context.Context, u *unit, scope string) (*governance.Emergency, error) {
	e, found, err := u.tx.ActiveEmergency(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("load active emergency: %w", err)
	}
	if !found {
		return nil, nil
	}
	if g.rules.ObserveExpiry(&e, u.now) {
		if err := g.persistExpiry(ctx, u, &e); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return &e, nil
}

func (g *Gatekeeper) persistExpiry(ctx context.Context, u *unit, e *governance.Emergency) error {
	if err := u.tx.UpdateEmergency(ctx, *e); err != nil {
		return fmt.Errorf("expire emergency: %w", err)
	}
	payload := map[string]any{
		"emergency_id":         e.ID,
		"scope":                e.Scope,
		"tier":                 e.Tier.Slug(),
		"expired_at":           e.ExpiredAt,
		"post_mortem_deadline": e.PostMortemDeadline,
	}
	if e.SecurityAuditDeadline != nil {
		payload["security_audit_deadline"] = e.SecurityAuditDeadline
	}
	if err := g.appendAuditKeyed(ctx, u, "emergency:"+e.ID, audit.JobEmergencyExpired, "", payload); err != nil {
		return err
	}
	g.metrics.IncEmergency("expired")
	g.logger.Info("emergency expired",
		slog.String("emergency_id", e.ID),
		slog.String("scope", e.Scope),
		slog.String("tier", e.Tier.Slug()),
	)
	return nil
}

// render evaluates pr inside u and persists the outcome. A decision whose
// fingerprint matches the stored one writes nothing unless dirty reports
// other pending changes to pr.
func (g *Gatekeeper) render(ctx context.Context, u *unit, snap *registry.Snapshot, pr *governance.PullRequest, dirty bool) (governance.Decision, error) {
	start := time.Now()
	sigs, err := u.tx.ListSignatures(ctx, pr.Repo, pr.Number)
	if err != nil {
		return governance.Decision{}, fmt.Errorf("list signatures: %w", err)
	}
	signals, err := u.tx.ListVetoSignals(ctx, pr.Repo, pr.Number)
	if err != nil {
		return governance.Decision{}, fmt.Errorf("list veto signals: %w", err)
	}
	emergency, err := g.currentEmergency(ctx, u, g.rules.ScopeKey(pr.Repo))
	if err != nil {
		return governance.Decision{}, err
	}
	d := g.rules.Decide(governance.DecisionInput{
		PR:         *pr,
		Now:        u.now,
		Signatures: governance.EvaluateSignatures(pr.Repo, pr.Number, sigs, g.rules.Rule(pr.Tier), snap, g.verifier),
		Veto:       governance.AggregateVetoes(signals, snap, g.rules.Veto, pr.Tier),
		Emergency:  emergency,
	})
	changed := d.Fingerprint() != pr.DecisionHash
	if !changed && !dirty {
		return d, nil
	}
	d.Apply(pr)
	pr.UpdatedAt = u.now
	if err := u.tx.UpsertPullRequest(ctx, *pr); err != nil {
		return governance.Decision{}, fmt.Errorf("persist pull request: %w", err)
	}
	if !changed {
		return d, nil
	}

	payload := map[string]any{
		"pr_key":              pr.Key(),
		"verdict":             string(d.Verdict),
		"reasons":             d.ReasonStrings(),
		"tier":                int(d.Tier),
		"required_days":       d.RequiredDays,
		"elapsed_days":        d.ElapsedDays,
		"signatures_current":  d.Signatures.Current(),
		"signatures_required": d.Signatures.Threshold.Required,
		"signers":             d.Signatures.Signers,
		"mining_veto_pct":     d.Veto.MiningPct,
		"economic_veto_pct":   d.Veto.EconomicPct,
		"head_sha":            pr.HeadSHA,
	}
	if d.Emergency != nil {
		payload["emergency_id"] = d.Emergency.ID
	}
	if g.dryRun {
		payload["dry_run"] = true
	}
	// The same source can render different decisions over time, so the
	// fingerprint is part of the key.
	key := ""
	if u.source != "" {
		key = u.source + ":" + pr.DecisionHash
	}
	if err := g.appendAuditKeyed(ctx, u, key, audit.JobDecisionRendered, "", payload); err != nil {
		return governance.Decision{}, err
	}
	state, description, body := g.statusFor(d, u.now)
	if err := u.tx.EnqueueStatus(ctx, storage.StatusUpdate{
		Repo:        pr.Repo,
		Number:      pr.Number,
		HeadSHA:     pr.HeadSHA,
		State:       state,
		Context:     g.statusContext,
		Description: description,
		Body:        body,
		Status:      storage.OutboxPending,
		CreatedAt:   u.now,
	}); err != nil {
		return governance.Decision{}, fmt.Errorf("enqueue status: %w", err)
	}
	u.decided = append(u.decided, d.Verdict)
	g.metrics.ObserveDecision(time.Since(start))
	return d, nil
}

// statusFor renders the status check. In dry-run mode a blocking verdict is
// still published as success, marked as such.
func (g *Gatekeeper) statusFor(d governance.Decision, now time.Time) (state, description, body string) {
	body = g.rules.CombinedStatus(d, now)
	if d.Verdict == governance.VerdictMergeOK {
		return "success", "Governance: all requirements met", body
	}
	state = "failure"
	description = fmt.Sprintf("Governance: blocked (%d of %d signatures, %d/%d days)",
		d.Signatures.Current(), d.Signatures.Threshold.Required, d.ElapsedDays, d.RequiredDays)
	if d.Veto.Active() {
		description = "Governance: blocked by economic veto"
	}
	if g.dryRun {
		return "success", "[DRY-RUN] " + description, "[DRY-RUN] " + body
	}
	return state, description, body
}

func (g *Gatekeeper) summarize(d governance.Decision, now time.Time) *protocol.DecisionSummary {
	state, _, text := g.statusFor(d, now)
	return &protocol.DecisionSummary{
		Verdict:            string(d.Verdict),
		Reasons:            d.ReasonStrings(),
		Tier:               int(d.Tier),
		ReviewPeriodMet:    d.ReviewPeriodMet,
		SignaturesMet:      d.SignaturesMet(),
		VetoActive:         d.Veto.Active(),
		EmergencyActive:    d.EmergencyActive(),
		SignaturesCurrent:  d.Signatures.Current(),
		SignaturesRequired: d.Signatures.Threshold.Required,
		ElapsedDays:        d.ElapsedDays,
		RequiredDays:       d.RequiredDays,
		StatusState:        state,
		StatusText:         text,
	}
}

// SnapshotRuleset stores the canonical form of the effective ruleset and
// logs ruleset_loaded when it differs from the last stored one.
func (g *Gatekeeper) SnapshotRuleset(ctx context.Context) error {
	raw, err := protocol.CanonicalJSON(g.rules)
	if err != nil {
		return Internal("canonicalize ruleset", err)
	}
	hash := protocol.SHA256Hex(raw)
	return g.write(ctx, "ruleset_snapshot", "", func(u *unit) error {
		latest, found, err := u.tx.LatestRuleset(ctx)
		if err != nil {
			return err
		}
		if found && latest.Hash == hash {
			return nil
		}
		if err := u.tx.InsertRuleset(ctx, storage.RulesetRecord{Hash: hash, JSON: string(raw), LoadedAt: u.now}); err != nil {
			return err
		}
		payload := map[string]any{"ruleset_hash": hash}
		if found {
			payload["previous_hash"] = latest.Hash
		}
		return g.appendAudit(ctx, u, audit.JobRulesetLoaded, "", payload)
	})
}
