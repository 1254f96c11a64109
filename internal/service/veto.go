package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/BTCDecoded/governance-app/internal/audit"
	"github.com/BTCDecoded/governance-app/internal/governance"
	"github.com/BTCDecoded/governance-app/internal/protocol"
	"github.com/BTCDecoded/governance-app/internal/registry"
)

func validateTarget(repo string, number int) error {
	if err := protocol.ValidateRepo(repo); err != nil {
		return InputError("MISSING_FIELD", err.Error(), err)
	}
	if number <= 0 {
		return InputError("MISSING_FIELD", "number must be positive", nil)
	}
	return nil
}

func (g *Gatekeeper) activeNode(snap *registry.Snapshot, nodeID string) (registry.EconomicNode, error) {
	node, ok := snap.Node(nodeID)
	if !ok || node.Status != registry.NodeActive {
		return registry.EconomicNode{}, AuthError("NODE_NOT_ACTIVE", fmt.Sprintf("economic node %q is not active", nodeID), nil)
	}
	return node, nil
}

// SubmitVeto records an economic node's signal on a PR. A new signal
// replaces the node's previous one.
func (g *Gatekeeper) SubmitVeto(ctx context.Context, req protocol.VetoRequest) (protocol.VetoResponse, error) {
	if err := validateTarget(req.Repo, req.Number); err != nil {
		return protocol.VetoResponse{}, err
	}
	kind := governance.SignalKind(strings.ToLower(strings.TrimSpace(req.Kind)))
	if kind == "" {
		kind = governance.SignalVeto
	}
	if !kind.Valid() {
		return protocol.VetoResponse{}, InputError("BAD_REQUEST", fmt.Sprintf("unknown signal kind %q", req.Kind), nil)
	}
	if strings.TrimSpace(req.NodeID) == "" || strings.TrimSpace(req.Signature) == "" {
		return protocol.VetoResponse{}, InputError("MISSING_FIELD", "node_id and signature are required", nil)
	}
	if kind == governance.SignalVeto {
		if req.Strength < 1 || req.Strength > 100 {
			return protocol.VetoResponse{}, InputError("BAD_REQUEST", "strength must be in 1..100", nil)
		}
		if strings.TrimSpace(req.Reason) == "" {
			return protocol.VetoResponse{}, InputError("MISSING_FIELD", "reason is required for a veto", nil)
		}
	}
	snap, err := g.snapshot(ctx)
	if err != nil {
		return protocol.VetoResponse{}, err
	}
	node, err := g.activeNode(snap, req.NodeID)
	if err != nil {
		g.metrics.IncVeto("rejected")
		return protocol.VetoResponse{}, err
	}
	message := protocol.SignalMessage(string(kind), node.ID, req.Repo, req.Number, req.Reason)
	verifyErr := g.verifier.Verify(node.PublicKey, []byte(message), req.Signature)

	unlock, err := g.lockPR(ctx, req.Repo, req.Number)
	if err != nil {
		return protocol.VetoResponse{}, err
	}
	defer unlock()

	resp := protocol.VetoResponse{Repo: req.Repo, Number: req.Number}
	err = g.write(ctx, "submit_veto", "", func(u *unit) error {
		resp.Status, resp.SignalID, resp.Decision = "", "", nil
		pr, err := g.openPR(ctx, u, req.Repo, req.Number)
		if err != nil {
			return err
		}
		if verifyErr != nil {
			resp.Status = "rejected"
			return g.appendAudit(ctx, u, audit.JobVetoRejected, node.ID, map[string]any{
				"pr_key":  pr.Key(),
				"node_id": node.ID,
				"kind":    string(kind),
				"reason":  verifyErr.Error(),
			})
		}
		signals, err := u.tx.ListVetoSignals(ctx, pr.Repo, pr.Number)
		if err != nil {
			return fmt.Errorf("list veto signals: %w", err)
		}
		for _, s := range signals {
			if s.Active && s.NodeID == node.ID && s.Kind == kind && s.Signature == req.Signature {
				resp.Status, resp.SignalID = "duplicate", s.ID
				return nil
			}
		}
		if _, err := u.tx.WithdrawVetoSignal(ctx, pr.Repo, pr.Number, node.ID, u.now); err != nil {
			return fmt.Errorf("replace veto signal: %w", err)
		}
		signal := governance.VetoSignal{
			ID:        uuid.NewString(),
			Repo:      pr.Repo,
			Number:    pr.Number,
			NodeID:    node.ID,
			NodeKind:  node.Kind,
			Kind:      kind,
			Weight:    node.Weight,
			Strength:  req.Strength,
			Rationale: req.Reason,
			Signature: req.Signature,
			Active:    true,
			CreatedAt: u.now,
		}
		if err := u.tx.InsertVetoSignal(ctx, signal); err != nil {
			return fmt.Errorf("store veto signal: %w", err)
		}
		if err := g.appendAudit(ctx, u, audit.JobVetoSubmitted, node.ID, map[string]any{
			"pr_key":        pr.Key(),
			"signal_id":     signal.ID,
			"node_id":       node.ID,
			"node_kind":     string(node.Kind),
			"kind":          string(kind),
			"weight":        signal.Weight,
			"strength":      signal.Strength,
			"reason_digest": protocol.ReasonDigest(req.Reason),
		}); err != nil {
			return err
		}
		d, err := g.render(ctx, u, snap, &pr, false)
		if err != nil {
			return err
		}
		resp.Status, resp.SignalID, resp.Decision = "recorded", signal.ID, g.summarize(d, u.now)
		return nil
	})
	if err != nil {
		return protocol.VetoResponse{}, err
	}
	g.metrics.IncVeto(resp.Status)
	if verifyErr != nil {
		return protocol.VetoResponse{}, classify("verify veto signature", verifyErr)
	}
	g.logger.Info("veto signal recorded",
		slog.String("pr", protocol.PRKey(req.Repo, req.Number)),
		slog.String("node_id", node.ID),
		slog.String("kind", string(kind)),
		slog.String("status", resp.Status),
	)
	return resp, nil
}

// WithdrawVeto deactivates the node's active signal on a PR.
func (g *Gatekeeper) WithdrawVeto(ctx context.Context, req protocol.WithdrawVetoRequest) (protocol.VetoResponse, error) {
	if err := validateTarget(req.Repo, req.Number); err != nil {
		return protocol.VetoResponse{}, err
	}
	if strings.TrimSpace(req.NodeID) == "" || strings.TrimSpace(req.Signature) == "" {
		return protocol.VetoResponse{}, InputError("MISSING_FIELD", "node_id and signature are required", nil)
	}
	snap, err := g.snapshot(ctx)
	if err != nil {
		return protocol.VetoResponse{}, err
	}
	node, err := g.activeNode(snap, req.NodeID)
	if err != nil {
		return protocol.VetoResponse{}, err
	}
	message := protocol.WithdrawVetoMessage(node.ID, req.Repo, req.Number)
	if err := g.verifier.Verify(node.PublicKey, []byte(message), req.Signature); err != nil {
		g.metrics.IncVeto("rejected")
		return protocol.VetoResponse{}, classify("verify withdrawal signature", err)
	}

	unlock, err := g.lockPR(ctx, req.Repo, req.Number)
	if err != nil {
		return protocol.VetoResponse{}, err
	}
	defer unlock()

	resp := protocol.VetoResponse{Repo: req.Repo, Number: req.Number}
	err = g.write(ctx, "withdraw_veto", "", func(u *unit) error {
		pr, err := g.openPR(ctx, u, req.Repo, req.Number)
		if err != nil {
			return err
		}
		withdrawn, err := u.tx.WithdrawVetoSignal(ctx, pr.Repo, pr.Number, node.ID, u.now)
		if err != nil {
			return fmt.Errorf("withdraw veto signal: %w", err)
		}
		if !withdrawn {
			return &governance.PolicyError{
				Code:    governance.CodeVetoNotActive,
				Message: fmt.Sprintf("node %s has no active signal on %s", node.ID, pr.Key()),
			}
		}
		if err := g.appendAudit(ctx, u, audit.JobVetoWithdrawn, node.ID, map[string]any{
			"pr_key":  pr.Key(),
			"node_id": node.ID,
		}); err != nil {
			return err
		}
		d, err := g.render(ctx, u, snap, &pr, false)
		if err != nil {
			return err
		}
		resp.Status, resp.Decision = "withdrawn", g.summarize(d, u.now)
		return nil
	})
	if err != nil {
		return protocol.VetoResponse{}, err
	}
	g.metrics.IncVeto("withdrawn")
	return resp, nil
}

// openPR loads a tracked PR that still accepts signals.
func (g *Gatekeeper) openPR(ctx context.Context, u *unit, repo string, number int) (governance.PullRequest, error) {
	pr, found, err := u.tx.GetPullRequest(ctx, repo, number)
	if err != nil {
		return governance.PullRequest{}, fmt.Errorf("load pull request: %w", err)
	}
	if !found {
		return governance.PullRequest{}, NotFound("pull request " + protocol.PRKey(repo, number) + " is not tracked")
	}
	if pr.State != governance.PROpen {
		return governance.PullRequest{}, &governance.PolicyError{
			Code:    governance.CodePRNotOpen,
			Message: fmt.Sprintf("pull request %s is %s", pr.Key(), pr.State),
		}
	}
	return pr, nil
}
