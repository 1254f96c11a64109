package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BTCDecoded/governance-app/internal/audit"
	"github.com/BTCDecoded/governance-app/internal/governance"
	"github.com/BTCDecoded/governance-app/internal/protocol"
	"github.com/BTCDecoded/governance-app/internal/storage"
)

func (g *Gatekeeper) checkScope(scope string) error {
	if g.rules.EmergencyScope == governance.ScopeRepository {
		if err := protocol.ValidateRepo(scope); err != nil {
			return InputError("BAD_SCOPE", err.Error(), err)
		}
		return nil
	}
	if scope != string(governance.ScopeGlobal) {
		return InputError("BAD_SCOPE", fmt.Sprintf("emergency scope must be %q", governance.ScopeGlobal), nil)
	}
	return nil
}

func signatureMap(sigs []protocol.SignerSignature) (map[string]string, error) {
	out := make(map[string]string, len(sigs))
	for i, s := range sigs {
		signer := strings.TrimSpace(s.Signer)
		if signer == "" || strings.TrimSpace(s.Signature) == "" {
			return nil, InputError("MISSING_FIELD", fmt.Sprintf("signatures[%d] needs signer and signature", i), nil)
		}
		if _, dup := out[signer]; dup {
			continue
		}
		out[signer] = s.Signature
	}
	return out, nil
}

// ActivateEmergency opens an emergency in scope. A refused activation is
// still logged as emergency_rejected.
func (g *Gatekeeper) ActivateEmergency(ctx context.Context, scope string, req protocol.EmergencyActivateRequest) (protocol.EmergencyView, error) {
	if err := g.checkScope(scope); err != nil {
		return protocol.EmergencyView{}, err
	}
	tier, err := governance.ParseEmergencyTier(req.Tier)
	if err != nil {
		return protocol.EmergencyView{}, InputError("INVALID_EMERGENCY_TIER", err.Error(), err)
	}
	if strings.TrimSpace(req.ActivatedBy) == "" || strings.TrimSpace(req.Reason) == "" {
		return protocol.EmergencyView{}, InputError("MISSING_FIELD", "activated_by and reason are required", nil)
	}
	sigs, err := signatureMap(req.Signatures)
	if err != nil {
		return protocol.EmergencyView{}, err
	}
	snap, err := g.snapshot(ctx)
	if err != nil {
		return protocol.EmergencyView{}, err
	}
	message := protocol.EmergencyActivationMessage(tier.Slug(), req.Reason)
	signers, rejected := governance.VerifiedSigners([]byte(message), sigs, g.rules.EmergencyMinLayer, snap, g.verifier)

	unlock, err := g.lockScope(ctx, scope)
	if err != nil {
		return protocol.EmergencyView{}, err
	}
	defer unlock()

	var view protocol.EmergencyView
	var refused *governance.PolicyError
	err = g.write(ctx, "emergency_activate", "", func(u *unit) error {
		refused = nil
		current, err := g.currentEmergency(ctx, u, scope)
		if err != nil {
			return err
		}
		e, err := g.rules.Activate(governance.ActivationRequest{
			ID:          uuid.NewString(),
			Scope:       scope,
			Tier:        tier,
			ActivatedBy: req.ActivatedBy,
			Reason:      req.Reason,
			Evidence:    req.Evidence,
			Signers:     signers,
		}, current, u.now)
		if err != nil {
			if !errors.As(err, &refused) {
				return err
			}
			return g.appendAudit(ctx, u, audit.JobEmergencyRejected, req.ActivatedBy, map[string]any{
				"operation": "activate",
				"scope":     scope,
				"tier":      tier.Slug(),
				"code":      refused.Code,
				"signers":   signers,
			})
		}
		if err := u.tx.InsertEmergency(ctx, e); err != nil {
			return fmt.Errorf("store emergency: %w", err)
		}
		payload := map[string]any{
			"emergency_id":    e.ID,
			"scope":           e.Scope,
			"tier":            e.Tier.Slug(),
			"reason_digest":   protocol.ReasonDigest(e.Reason),
			"evidence_sha256": protocol.SHA256Hex([]byte(e.Evidence)),
			"signers":         e.Signers,
			"expires_at":      e.ExpiresAt,
		}
		if len(rejected) > 0 {
			payload["rejected_signers"] = rejected
		}
		if err := g.appendAudit(ctx, u, audit.JobEmergencyActivated, req.ActivatedBy, payload); err != nil {
			return err
		}
		view = g.emergencyView(&e, u.now)
		return nil
	})
	if err != nil {
		return protocol.EmergencyView{}, err
	}
	if refused != nil {
		g.metrics.IncEmergency("rejected")
		g.logger.Warn("emergency activation refused",
			slog.String("scope", scope),
			slog.String("tier", tier.Slug()),
			slog.String("code", refused.Code),
		)
		return protocol.EmergencyView{}, PolicyErr(refused)
	}
	g.metrics.IncEmergency("activated")
	g.logger.Info("emergency activated",
		slog.String("emergency_id", view.ID),
		slog.String("scope", scope),
		slog.String("tier", tier.Slug()),
		slog.Int("signers", len(signers)),
	)
	return view, nil
}

// ExtendEmergency pushes the scope's active emergency out by one extension.
func (g *Gatekeeper) ExtendEmergency(ctx context.Context, scope string, req protocol.EmergencyExtendRequest) (protocol.EmergencyView, error) {
	if err := g.checkScope(scope); err != nil {
		return protocol.EmergencyView{}, err
	}
	sigs, err := signatureMap(req.Signatures)
	if err != nil {
		return protocol.EmergencyView{}, err
	}
	snap, err := g.snapshot(ctx)
	if err != nil {
		return protocol.EmergencyView{}, err
	}
	unlock, err := g.lockScope(ctx, scope)
	if err != nil {
		return protocol.EmergencyView{}, err
	}
	defer unlock()

	var view protocol.EmergencyView
	var refused *governance.PolicyError
	err = g.write(ctx, "emergency_extend", "", func(u *unit) error {
		refused = nil
		var current *governance.Emergency
		e, found, err := u.tx.ActiveEmergency(ctx, scope)
		if err != nil {
			return err
		}
		if found {
			current = &e
			if g.rules.ObserveExpiry(current, u.now) {
				if err := g.persistExpiry(ctx, u, current); err != nil {
					return err
				}
			}
		}
		refuse := func(err error) error {
			if !errors.As(err, &refused) {
				return err
			}
			payload := map[string]any{"operation": "extend", "scope": scope, "code": refused.Code}
			if current != nil {
				payload["emergency_id"] = current.ID
				payload["tier"] = current.Tier.Slug()
			}
			return g.appendAudit(ctx, u, audit.JobEmergencyRejected, req.RequestedBy, payload)
		}
		if err := g.rules.CheckExtend(current, u.now); err != nil {
			return refuse(err)
		}
		message := protocol.EmergencyExtensionMessage(current.Tier.Slug(), current.ID, current.ExtensionCount+1)
		signers, rejected := governance.VerifiedSigners([]byte(message), sigs, g.rules.EmergencyMinLayer, snap, g.verifier)
		if err := g.rules.Extend(current, signers, u.now); err != nil {
			return refuse(err)
		}
		if err := u.tx.UpdateEmergency(ctx, *current); err != nil {
			return fmt.Errorf("extend emergency: %w", err)
		}
		payload := map[string]any{
			"emergency_id":    current.ID,
			"scope":           scope,
			"extension_count": current.ExtensionCount,
			"expires_at":      current.ExpiresAt,
			"signers":         signers,
		}
		if len(rejected) > 0 {
			payload["rejected_signers"] = rejected
		}
		if err := g.appendAudit(ctx, u, audit.JobEmergencyExtended, req.RequestedBy, payload); err != nil {
			return err
		}
		view = g.emergencyView(current, u.now)
		return nil
	})
	if err != nil {
		return protocol.EmergencyView{}, err
	}
	if refused != nil {
		g.metrics.IncEmergency("rejected")
		g.logger.Warn("emergency extension refused", slog.String("scope", scope), slog.String("code", refused.Code))
		return protocol.EmergencyView{}, PolicyErr(refused)
	}
	g.metrics.IncEmergency("extended")
	return view, nil
}

func (g *Gatekeeper) RecordPostMortem(ctx context.Context, scope string, req protocol.ObligationRequest) (protocol.EmergencyView, error) {
	return g.recordObligation(ctx, scope, req, audit.JobPostMortemRecorded, g.rules.RecordPostMortem)
}

func (g *Gatekeeper) RecordSecurityAudit(ctx context.Context, scope string, req protocol.ObligationRequest) (protocol.EmergencyView, error) {
	return g.recordObligation(ctx, scope, req, audit.JobSecurityAuditRecorded, g.rules.RecordSecurityAudit)
}

func (g *Gatekeeper) recordObligation(
	ctx context.Context,
	scope string,
	req protocol.ObligationRequest,
	jobType string,
	record func(*governance.Emergency, string, time.Time) error,
) (protocol.EmergencyView, error) {
	if err := g.checkScope(scope); err != nil {
		return protocol.EmergencyView{}, err
	}
	if strings.TrimSpace(req.URL) == "" {
		return protocol.EmergencyView{}, InputError("MISSING_FIELD", "url is required", nil)
	}
	unlock, err := g.lockScope(ctx, scope)
	if err != nil {
		return protocol.EmergencyView{}, err
	}
	defer unlock()

	var view protocol.EmergencyView
	err = g.write(ctx, jobType, "", func(u *unit) error {
		open, err := u.tx.OpenEmergencies(ctx, scope)
		if err != nil {
			return err
		}
		var target *governance.Emergency
		for i := range open {
			e := &open[i]
			if g.rules.ObserveExpiry(e, u.now) {
				if err := g.persistExpiry(ctx, u, e); err != nil {
					return err
				}
			}
			if target == nil && e.State == governance.EmergencyExpired {
				target = e
			}
		}
		if err := record(target, req.URL, u.now); err != nil {
			return err
		}
		if err := u.tx.UpdateEmergency(ctx, *target); err != nil {
			return fmt.Errorf("update emergency: %w", err)
		}
		if err := g.appendAudit(ctx, u, jobType, req.RecordedBy, map[string]any{
			"emergency_id": target.ID,
			"scope":        scope,
			"url":          req.URL,
		}); err != nil {
			return err
		}
		if target.State == governance.EmergencyClosed {
			if err := g.appendAuditKeyed(ctx, u, "emergency:"+target.ID, audit.JobEmergencyClosed, "", map[string]any{
				"emergency_id": target.ID,
				"scope":        scope,
			}); err != nil {
				return err
			}
			g.metrics.IncEmergency("closed")
		}
		view = g.emergencyView(target, u.now)
		return nil
	})
	if err != nil {
		return protocol.EmergencyView{}, err
	}
	return view, nil
}

// Emergency returns the scope's most recent open emergency. Expiry is shown
// as of now but not persisted.
func (g *Gatekeeper) Emergency(ctx context.Context, scope string) (protocol.EmergencyView, error) {
	if err := g.checkScope(scope); err != nil {
		return protocol.EmergencyView{}, err
	}
	var view protocol.EmergencyView
	err := g.store.WithTx(ctx, func(tx storage.Tx) error {
		open, err := tx.OpenEmergencies(ctx, scope)
		if err != nil {
			return err
		}
		if len(open) == 0 {
			return NotFound("no open emergency in scope " + scope)
		}
		now := g.now()
		e := open[0]
		g.rules.ObserveExpiry(&e, now)
		view = g.emergencyView(&e, now)
		return nil
	})
	return view, classify("read emergency", err)
}

type SweepResult struct {
	Expired int
	Overdue int
}

// SweepEmergencies expires every emergency whose window has passed and
// reports obligations past their deadline.
func (g *Gatekeeper) SweepEmergencies(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	var overdue []string
	err := g.write(ctx, "emergency_sweep", "", func(u *unit) error {
		res = SweepResult{}
		overdue = overdue[:0]
		open, err := u.tx.OpenEmergencies(ctx, "")
		if err != nil {
			return err
		}
		for i := range open {
			e := &open[i]
			if g.rules.ObserveExpiry(e, u.now) {
				if err := g.persistExpiry(ctx, u, e); err != nil {
					return err
				}
				res.Expired++
			}
			for _, o := range g.rules.OverdueObligations(e, u.now) {
				overdue = append(overdue, e.ID+":"+o)
			}
		}
		res.Overdue = len(overdue)
		return nil
	})
	if err != nil {
		return SweepResult{}, err
	}
	g.metrics.SetOverdueObligations(res.Overdue)
	for _, o := range overdue {
		g.logger.Warn("post-emergency obligation overdue", slog.String("obligation", o))
	}
	return res, nil
}

func (g *Gatekeeper) emergencyView(e *governance.Emergency, now time.Time) protocol.EmergencyView {
	view := protocol.EmergencyView{
		ID:                     e.ID,
		Scope:                  e.Scope,
		Tier:                   e.Tier.Slug(),
		State:                  string(e.State),
		ActivatedBy:            e.ActivatedBy,
		Reason:                 e.Reason,
		ActivatedAt:            e.ActivatedAt,
		ExpiresAt:              e.ExpiresAt,
		ExtensionCount:         e.ExtensionCount,
		PostMortemDeadline:     e.PostMortemDeadline,
		PostMortemPublished:    e.PostMortemAt != nil,
		SecurityAuditDeadline:  e.SecurityAuditDeadline,
		SecurityAuditCompleted: e.SecurityAuditAt != nil,
	}
	switch {
	case e.ActiveAt(now):
		view.StatusText = g.rules.EmergencyStatus(e, now)
		if w := g.rules.ExpirationWarning(e, now); w != "" {
			view.StatusText += "\n\n" + w
		}
	case e.State == governance.EmergencyExpired:
		view.StatusText = g.rules.PostEmergencyRequirements(e, now)
	}
	return view
}
