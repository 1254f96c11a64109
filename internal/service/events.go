package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTCDecoded/governance-app/internal/audit"
	"github.com/BTCDecoded/governance-app/internal/governance"
	"github.com/BTCDecoded/governance-app/internal/protocol"
	"github.com/BTCDecoded/governance-app/internal/registry"
	"github.com/BTCDecoded/governance-app/internal/storage"
)

// Event is one decoded webhook delivery the combinator acts on.
type Event interface {
	Name() string
	Target() (repo string, number int)
}

type PullRequestEvent struct {
	Action       string
	Repo         string
	Number       int
	Title        string
	Body         string
	Author       string
	HeadSHA      string
	ChangedPaths []string
	CreatedAt    *time.Time
	Merged       bool
}

func (e PullRequestEvent) Name() string          { return "pull_request." + e.Action }
func (e PullRequestEvent) Target() (string, int) { return e.Repo, e.Number }

func (e PullRequestEvent) info() governance.PullRequestInfo {
	return governance.PullRequestInfo{Title: e.Title, Body: e.Body, ChangedPaths: e.ChangedPaths}
}

type ReviewEvent struct {
	PullRequest PullRequestEvent
	Reviewer    string
	State       string
}

func (e ReviewEvent) Name() string          { return "pull_request_review.submitted" }
func (e ReviewEvent) Target() (string, int) { return e.PullRequest.Repo, e.PullRequest.Number }

type CommentEvent struct {
	Repo      string
	Number    int
	CommentID int64
	Commenter string
	Body      string
}

func (e CommentEvent) Name() string          { return "issue_comment.created" }
func (e CommentEvent) Target() (string, int) { return e.Repo, e.Number }

// sourceID identifies the comment across redeliveries.
func (e CommentEvent) sourceID() string {
	if e.CommentID > 0 {
		return "comment:" + strconv.FormatInt(e.CommentID, 10)
	}
	return "comment:" + protocol.SHA256Hex([]byte(protocol.PRKey(e.Repo, e.Number) + "\x00" + e.Commenter + "\x00" + e.Body))[:32]
}

var reviewStates = map[string]bool{
	"approved":          true,
	"changes_requested": true,
	"commented":         true,
	"dismissed":         true,
}

// HandleEvent applies one webhook delivery. deliveryID may be empty; when
// set, a repeated delivery is acknowledged without touching state.
func (g *Gatekeeper) HandleEvent(ctx context.Context, deliveryID string, ev Event) (protocol.WebhookResponse, error) {
	repo, number := ev.Target()
	resp := protocol.WebhookResponse{Status: "ignored", Event: ev.Name(), Repo: repo, Number: number}
	if err := protocol.ValidateRepo(repo); err != nil {
		return resp, InputError("MISSING_FIELD", err.Error(), err)
	}
	if number <= 0 {
		return resp, InputError("MISSING_FIELD", "pull request number is required", nil)
	}

	source := ""
	var cmd governance.Command
	switch e := ev.(type) {
	case PullRequestEvent:
		switch e.Action {
		case "opened", "reopened", "synchronize", "closed":
		default:
			resp.Detail = "action not handled"
			return resp, nil
		}
	case ReviewEvent:
		e.State = strings.ToLower(e.State)
		if !reviewStates[e.State] {
			return resp, InputError("BAD_REQUEST", fmt.Sprintf("unknown review state %q", e.State), nil)
		}
		source = "review:" + protocol.SHA256Hex([]byte(strings.Join([]string{
			protocol.PRKey(repo, number), e.Reviewer, e.State, e.PullRequest.HeadSHA,
		}, "\x00")))
		ev = e
	case CommentEvent:
		parsed, err := governance.ParseCommand(e.Body)
		if err != nil {
			code := "BAD_COMMAND"
			if errors.Is(err, governance.ErrUnknownCommand) {
				code = "UNKNOWN_COMMAND"
			}
			return resp, InputError(code, err.Error(), err)
		}
		if parsed.Kind == governance.CommandNone {
			resp.Detail = "no governance command"
			return resp, nil
		}
		cmd = parsed
		source = e.sourceID()
	default:
		resp.Detail = "event not handled"
		return resp, nil
	}
	if deliveryID != "" {
		source = "delivery:" + deliveryID
	}

	snap, err := g.snapshot(ctx)
	if err != nil {
		return resp, err
	}
	unlock, err := g.lockPR(ctx, repo, number)
	if err != nil {
		return resp, err
	}
	defer unlock()

	var out protocol.WebhookResponse
	err = g.write(ctx, "handle_event", source, func(u *unit) error {
		out = protocol.WebhookResponse{Status: "processed", Event: ev.Name(), Repo: repo, Number: number}
		if deliveryID != "" {
			fresh, err := u.tx.RecordDelivery(ctx, deliveryID, ev.Name(), u.now)
			if err != nil {
				return err
			}
			if !fresh {
				out.Status = "duplicate_delivery"
				return nil
			}
		}
		var d *governance.Decision
		var err error
		switch e := ev.(type) {
		case PullRequestEvent:
			d, err = g.onPullRequest(ctx, u, snap, e, &out)
		case ReviewEvent:
			d, err = g.onReview(ctx, u, snap, e, &out)
		case CommentEvent:
			d, err = g.onComment(ctx, u, snap, e, cmd, &out)
		}
		if err != nil {
			return err
		}
		if d != nil {
			out.Decision = g.summarize(*d, u.now)
		}
		return nil
	})
	if err != nil {
		g.logger.Warn("webhook event failed",
			slog.String("event", ev.Name()),
			slog.String("pr", protocol.PRKey(repo, number)),
			slog.String("error", err.Error()),
		)
		return resp, err
	}
	return out, nil
}

// loadOrOpen returns the stored PR, creating it on first sight. The bool
// reports whether the record is new or changed and still needs persisting.
func (g *Gatekeeper) loadOrOpen(ctx context.Context, u *unit, e PullRequestEvent) (governance.PullRequest, bool, error) {
	pr, found, err := u.tx.GetPullRequest(ctx, e.Repo, e.Number)
	if err != nil {
		return pr, false, fmt.Errorf("load pull request: %w", err)
	}
	if found {
		return pr, false, nil
	}
	opened := u.now
	if e.CreatedAt != nil && !e.CreatedAt.IsZero() && e.CreatedAt.Before(u.now) {
		opened = e.CreatedAt.UTC().Truncate(time.Microsecond)
	}
	pr = governance.PullRequest{
		Repo:      e.Repo,
		Number:    e.Number,
		Title:     e.Title,
		Author:    e.Author,
		HeadSHA:   e.HeadSHA,
		Tier:      g.classifier.Classify(e.info()),
		State:     governance.PROpen,
		OpenedAt:  opened,
		CreatedAt: u.now,
		UpdatedAt: u.now,
	}
	if err := g.appendAudit(ctx, u, audit.JobPROpened, e.Author, map[string]any{
		"pr_key":    pr.Key(),
		"tier":      int(pr.Tier),
		"tier_name": pr.Tier.Name(),
		"head_sha":  pr.HeadSHA,
		"title":     pr.Title,
		"opened_at": pr.OpenedAt,
	}); err != nil {
		return pr, false, err
	}
	return pr, true, nil
}

// refreshTier reclassifies pr. The tier only ever rises.
func (g *Gatekeeper) refreshTier(ctx context.Context, u *unit, pr *governance.PullRequest, e PullRequestEvent) (bool, error) {
	tier := g.classifier.Classify(e.info())
	if tier <= pr.Tier {
		return false, nil
	}
	if err := g.appendAudit(ctx, u, audit.JobTierChanged, "", map[string]any{
		"pr_key": pr.Key(),
		"from":   int(pr.Tier),
		"to":     int(tier),
	}); err != nil {
		return false, err
	}
	pr.Tier = tier
	return true, nil
}

func (g *Gatekeeper) onPullRequest(ctx context.Context, u *unit, snap *registry.Snapshot, e PullRequestEvent, out *protocol.WebhookResponse) (*governance.Decision, error) {
	if e.Action == "closed" {
		pr, found, err := u.tx.GetPullRequest(ctx, e.Repo, e.Number)
		if err != nil {
			return nil, fmt.Errorf("load pull request: %w", err)
		}
		if !found || pr.State != governance.PROpen {
			out.Status = "ignored"
			out.Detail = "pull request not open"
			return nil, nil
		}
		pr.State = governance.PRClosed
		if e.Merged {
			pr.State = governance.PRMerged
		}
		pr.UpdatedAt = u.now
		if err := u.tx.UpsertPullRequest(ctx, pr); err != nil {
			return nil, fmt.Errorf("persist pull request: %w", err)
		}
		return nil, g.appendAudit(ctx, u, audit.JobPRClosed, "", map[string]any{
			"pr_key":  pr.Key(),
			"merged":  e.Merged,
			"verdict": string(pr.Verdict),
		})
	}

	pr, dirty, err := g.loadOrOpen(ctx, u, e)
	if err != nil {
		return nil, err
	}
	if pr.State != governance.PROpen {
		if e.Action != "reopened" {
			out.Status = "ignored"
			out.Detail = "pull request not open"
			return nil, nil
		}
		pr.State = governance.PROpen
		pr.DecisionHash = ""
		dirty = true
		if err := g.appendAudit(ctx, u, audit.JobPROpened, e.Author, map[string]any{
			"pr_key":   pr.Key(),
			"reopened": true,
			"head_sha": e.HeadSHA,
		}); err != nil {
			return nil, err
		}
	}
	if e.HeadSHA != "" && e.HeadSHA != pr.HeadSHA {
		if err := g.appendAudit(ctx, u, audit.JobPRSynchronized, "", map[string]any{
			"pr_key":       pr.Key(),
			"head_sha":     e.HeadSHA,
			"previous_sha": pr.HeadSHA,
		}); err != nil {
			return nil, err
		}
		pr.HeadSHA = e.HeadSHA
		pr.DecisionHash = ""
		dirty = true
	}
	if e.Title != "" && e.Title != pr.Title {
		pr.Title = e.Title
		dirty = true
	}
	raised, err := g.refreshTier(ctx, u, &pr, e)
	if err != nil {
		return nil, err
	}
	d, err := g.render(ctx, u, snap, &pr, dirty || raised)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (g *Gatekeeper) onReview(ctx context.Context, u *unit, snap *registry.Snapshot, e ReviewEvent, out *protocol.WebhookResponse) (*governance.Decision, error) {
	pr, dirty, err := g.loadOrOpen(ctx, u, e.PullRequest)
	if err != nil {
		return nil, err
	}
	if pr.State != governance.PROpen {
		out.Status = "ignored"
		out.Detail = "pull request not open"
		return nil, nil
	}
	if err := g.appendAudit(ctx, u, audit.JobReviewRecorded, e.Reviewer, map[string]any{
		"pr_key":   pr.Key(),
		"reviewer": e.Reviewer,
		"state":    e.State,
		"head_sha": e.PullRequest.HeadSHA,
	}); err != nil {
		return nil, err
	}
	d, err := g.render(ctx, u, snap, &pr, dirty)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (g *Gatekeeper) onComment(ctx context.Context, u *unit, snap *registry.Snapshot, e CommentEvent, cmd governance.Command, out *protocol.WebhookResponse) (*governance.Decision, error) {
	switch cmd.Kind {
	case governance.CommandVeto, governance.CommandWithdrawVeto:
		return nil, g.recordVetoIntent(ctx, u, snap, e, cmd, out)
	}

	pr, found, err := u.tx.GetPullRequest(ctx, e.Repo, e.Number)
	if err != nil {
		return nil, fmt.Errorf("load pull request: %w", err)
	}
	if !found || pr.State != governance.PROpen {
		out.Status = "ignored"
		out.Detail = "no open pull request for comment"
		return nil, nil
	}

	switch cmd.Kind {
	case governance.CommandSign:
		return g.recordSignature(ctx, u, snap, &pr, e, cmd.Signature, out)
	case governance.CommandTierOverride:
		return g.overrideTier(ctx, u, snap, &pr, e.Commenter, cmd, out)
	}
	return nil, nil
}

// recordSignature stores the comment's signature as accepted, duplicate or
// rejected. Only an accepted signature can change the verdict.
func (g *Gatekeeper) recordSignature(ctx context.Context, u *unit, snap *registry.Snapshot, pr *governance.PullRequest, e CommentEvent, sigHex string, out *protocol.WebhookResponse) (*governance.Decision, error) {
	sourceID := e.sourceID()
	if prior, found, err := u.tx.SignatureBySource(ctx, sourceID); err != nil {
		return nil, fmt.Errorf("load signature by source: %w", err)
	} else if found {
		out.Detail = "signature_" + string(prior.Status)
		return nil, nil
	}

	sig := governance.Signature{
		Repo:      pr.Repo,
		Number:    pr.Number,
		Signer:    e.Commenter,
		Signature: sigHex,
		SourceID:  sourceID,
		Status:    governance.SignatureAccepted,
		CreatedAt: u.now,
	}
	rule := g.rules.Rule(pr.Tier)
	m, ok := snap.Maintainer(e.Commenter)
	switch {
	case !ok:
		sig.Reason = "signer not in registry"
	case m.Layer < rule.MinLayer:
		sig.Reason = fmt.Sprintf("signer layer %d below tier requirement %d", m.Layer, rule.MinLayer)
	default:
		if err := g.verifier.Verify(m.PublicKey, []byte(protocol.ApprovalMessage(pr.Repo, pr.Number)), sigHex); err != nil {
			sig.Reason = err.Error()
		}
	}

	if sig.Reason == "" {
		existing, err := u.tx.ListSignatures(ctx, pr.Repo, pr.Number)
		if err != nil {
			return nil, fmt.Errorf("list signatures: %w", err)
		}
		for _, s := range existing {
			if s.Signer == e.Commenter && s.Status == governance.SignatureAccepted {
				sig.Status = governance.SignatureDuplicate
				break
			}
		}
	} else {
		sig.Status = governance.SignatureRejected
	}

	if err := u.tx.InsertSignature(ctx, sig); err != nil {
		return nil, fmt.Errorf("store signature: %w", err)
	}
	jobType := audit.JobSignatureAdded
	payload := map[string]any{"pr_key": pr.Key(), "signer": sig.Signer}
	switch sig.Status {
	case governance.SignatureDuplicate:
		jobType = audit.JobSignatureDuplicate
	case governance.SignatureRejected:
		jobType = audit.JobSignatureRejected
		payload["reason"] = sig.Reason
	}
	if err := g.appendAudit(ctx, u, jobType, sig.Signer, payload); err != nil {
		return nil, err
	}
	g.metrics.IncSignature(string(sig.Status))
	out.Detail = jobType
	if sig.Status != governance.SignatureAccepted {
		return nil, nil
	}
	d, err := g.render(ctx, u, snap, pr, false)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (g *Gatekeeper) overrideTier(ctx context.Context, u *unit, snap *registry.Snapshot, pr *governance.PullRequest, user string, cmd governance.Command, out *protocol.WebhookResponse) (*governance.Decision, error) {
	m, ok := snap.Maintainer(user)
	if !ok || m.Layer < g.rules.OverrideMinLayer {
		return nil, PolicyErr(&governance.PolicyError{
			Code:    governance.CodeOverrideNotPermitted,
			Message: fmt.Sprintf("%s may not override tiers (requires an active maintainer at layer %d)", user, g.rules.OverrideMinLayer),
		})
	}
	if pr.TierOverridden && pr.Tier == cmd.Tier {
		out.Detail = "tier unchanged"
		return nil, nil
	}
	if err := g.appendAudit(ctx, u, audit.JobTierOverride, user, map[string]any{
		"pr_key": pr.Key(),
		"user":   user,
		"from":   int(pr.Tier),
		"to":     int(cmd.Tier),
		"reason": cmd.Reason,
	}); err != nil {
		return nil, err
	}
	pr.Tier = cmd.Tier
	pr.TierOverridden = true
	out.Detail = audit.JobTierOverride
	d, err := g.render(ctx, u, snap, pr, true)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// recordVetoIntent logs a /veto or /withdraw-veto comment from a handle
// linked to an economic node. The signed signal itself arrives through the
// veto API.
func (g *Gatekeeper) recordVetoIntent(ctx context.Context, u *unit, snap *registry.Snapshot, e CommentEvent, cmd governance.Command, out *protocol.WebhookResponse) error {
	node, ok := snap.NodeByHandle(e.Commenter)
	if !ok {
		out.Status = "ignored"
		out.Detail = "commenter is not linked to an economic node"
		return nil
	}
	action := "veto"
	if cmd.Kind == governance.CommandWithdrawVeto {
		action = "withdraw"
	}
	payload := map[string]any{
		"node_id": node.ID,
		"handle":  e.Commenter,
		"action":  action,
		"target":  protocol.PRKey(cmd.Repo, cmd.Number),
	}
	if cmd.Kind == governance.CommandVeto {
		payload["strength"] = cmd.Strength
		payload["reason"] = cmd.Reason
	}
	if err := g.appendAudit(ctx, u, audit.JobVetoIntent, e.Commenter, payload); err != nil {
		return err
	}
	out.Detail = audit.JobVetoIntent
	return nil
}

// Evaluate forces a re-evaluation of a stored pull request.
func (g *Gatekeeper) Evaluate(ctx context.Context, repo string, number int) (protocol.DecisionSummary, error) {
	snap, err := g.snapshot(ctx)
	if err != nil {
		return protocol.DecisionSummary{}, err
	}
	unlock, err := g.lockPR(ctx, repo, number)
	if err != nil {
		return protocol.DecisionSummary{}, err
	}
	defer unlock()

	var out *protocol.DecisionSummary
	err = g.write(ctx, "evaluate", "", func(u *unit) error {
		pr, found, err := u.tx.GetPullRequest(ctx, repo, number)
		if err != nil {
			return err
		}
		if !found {
			return NotFound("pull request " + protocol.PRKey(repo, number) + " not found")
		}
		d, err := g.render(ctx, u, snap, &pr, false)
		if err != nil {
			return err
		}
		out = g.summarize(d, u.now)
		return nil
	})
	if err != nil {
		return protocol.DecisionSummary{}, err
	}
	return *out, nil
}

// PullRequest returns the stored view of one PR. It works in read-only
// mode.
func (g *Gatekeeper) PullRequest(ctx context.Context, repo string, number int) (protocol.PullRequestView, error) {
	var view protocol.PullRequestView
	err := g.store.WithTx(ctx, func(tx storage.Tx) error {
		pr, found, err := tx.GetPullRequest(ctx, repo, number)
		if err != nil {
			return err
		}
		if !found {
			return NotFound("pull request " + protocol.PRKey(repo, number) + " not found")
		}
		sigs, err := tx.ListSignatures(ctx, repo, number)
		if err != nil {
			return err
		}
		signals, err := tx.ListVetoSignals(ctx, repo, number)
		if err != nil {
			return err
		}
		view = protocol.PullRequestView{
			Repo:           pr.Repo,
			Number:         pr.Number,
			Title:          pr.Title,
			Author:         pr.Author,
			HeadSHA:        pr.HeadSHA,
			Tier:           int(pr.Tier),
			TierName:       pr.Tier.Name(),
			TierOverridden: pr.TierOverridden,
			State:          string(pr.State),
			OpenedAt:       pr.OpenedAt,
			Verdict:        string(pr.Verdict),
			Signatures:     make([]protocol.SignatureView, 0, len(sigs)),
			VetoSignals:    make([]protocol.VetoSignalView, 0, len(signals)),
		}
		for _, s := range sigs {
			view.Signatures = append(view.Signatures, protocol.SignatureView{
				Signer: s.Signer, Status: string(s.Status), Reason: s.Reason, CreatedAt: s.CreatedAt,
			})
		}
		for _, v := range signals {
			view.VetoSignals = append(view.VetoSignals, protocol.VetoSignalView{
				ID: v.ID, NodeID: v.NodeID, NodeKind: string(v.NodeKind), Kind: string(v.Kind),
				Weight: v.Weight, Strength: v.Strength, Rationale: v.Rationale, Active: v.Active, CreatedAt: v.CreatedAt,
			})
		}
		return nil
	})
	return view, classify("read pull request", err)
}
