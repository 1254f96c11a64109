package service

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTCDecoded/governance-app/internal/audit"
	"github.com/BTCDecoded/governance-app/internal/governance"
	"github.com/BTCDecoded/governance-app/internal/protocol"
	"github.com/BTCDecoded/governance-app/internal/storage"
)

func TestRoutinePRMergesAfterReviewPeriod(t *testing.T) {
	h := newHarness(t)

	resp := h.open("acme/docs", 1, "Fix typo in README")
	require.Equal(t, "processed", resp.Status)
	require.NotNil(t, resp.Decision)
	assert.Equal(t, 1, resp.Decision.Tier)
	assert.Equal(t, string(governance.VerdictBlocked), resp.Decision.Verdict)

	for i, name := range []string{"alice", "bob", "charlie"} {
		resp = h.sign("acme/docs", 1, name, int64(100+i))
		assert.Equal(t, audit.JobSignatureAdded, resp.Detail)
	}
	require.NotNil(t, resp.Decision)
	assert.True(t, resp.Decision.SignaturesMet)
	assert.Equal(t, []string{string(governance.ReasonReviewPeriod)}, resp.Decision.Reasons)

	h.clock.Set(time.Date(2025, 1, 8, 0, 1, 0, 0, time.UTC))
	summary, err := h.gk.Evaluate(h.ctx, "acme/docs", 1)
	require.NoError(t, err)
	assert.Equal(t, string(governance.VerdictMergeOK), summary.Verdict)
	assert.Equal(t, "success", summary.StatusState)
	assert.Equal(t, 7, summary.ElapsedDays)

	pending, err := h.store.FetchPendingStatus(h.ctx, 50, h.clock.Now())
	require.NoError(t, err)
	require.NotEmpty(t, pending)
	last := pending[len(pending)-1]
	assert.Equal(t, "success", last.State)
	assert.Equal(t, "sha-acme-docs", last.HeadSHA)
	assert.Contains(t, last.Body, "Ready to Merge")
}

func TestConsensusAdjacentPRBlockedByMiningVeto(t *testing.T) {
	h := newHarness(t)
	h.clock.Set(time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC))
	opened := h.clock.Now().Add(-200 * 24 * time.Hour)
	_, err := h.gk.HandleEvent(h.ctx, "", PullRequestEvent{
		Action: "opened", Repo: "acme/core", Number: 42, Title: "[CONSENSUS-ADJACENT] Update validation",
		Author: "contributor", HeadSHA: "abc123", CreatedAt: &opened,
	})
	require.NoError(t, err)

	var last protocol.WebhookResponse
	for i, name := range []string{"alice", "bob", "charlie", "dave", "erin"} {
		last = h.sign("acme/core", 42, name, int64(200+i))
	}
	require.NotNil(t, last.Decision)
	require.Equal(t, string(governance.VerdictMergeOK), last.Decision.Verdict)

	reason := "changes block template construction for pools"
	veto, err := h.gk.SubmitVeto(h.ctx, protocol.VetoRequest{
		NodeID: "pool-a", Repo: "acme/core", Number: 42, Kind: "veto", Strength: 80, Reason: reason,
		Signature: h.nodes["pool-a"].Sign([]byte(protocol.VetoMessage("pool-a", "acme/core", 42, reason))),
	})
	require.NoError(t, err)
	assert.Equal(t, "recorded", veto.Status)
	require.NotNil(t, veto.Decision)
	assert.Equal(t, string(governance.VerdictBlocked), veto.Decision.Verdict)
	assert.Equal(t, []string{string(governance.ReasonEconomicVeto)}, veto.Decision.Reasons)
	assert.True(t, veto.Decision.VetoActive)
	assert.Contains(t, veto.Decision.StatusText, "Mining: 35% (threshold 30%)")
	assert.Equal(t, 1, h.countJobs(audit.JobVetoSubmitted))
}

func TestDuplicateSignatureDoesNotCount(t *testing.T) {
	h := newHarness(t)
	h.open("acme/docs", 7, "Fix typo in README")

	first := h.sign("acme/docs", 7, "alice", 1)
	assert.Equal(t, audit.JobSignatureAdded, first.Detail)
	second := h.sign("acme/docs", 7, "alice", 2)
	assert.Equal(t, audit.JobSignatureDuplicate, second.Detail)
	assert.Nil(t, second.Decision)

	summary, err := h.gk.Evaluate(h.ctx, "acme/docs", 7)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.SignaturesCurrent)
	assert.Equal(t, 1, h.countJobs(audit.JobSignatureAdded))
	assert.Equal(t, 1, h.countJobs(audit.JobSignatureDuplicate))

	view, err := h.gk.PullRequest(h.ctx, "acme/docs", 7)
	require.NoError(t, err)
	require.Len(t, view.Signatures, 2)
}

func TestRejectedSignaturesAreAudited(t *testing.T) {
	h := newHarness(t)
	h.open("acme/docs", 8, "Fix typo in README")

	// bob's key signing for alice.
	sig := h.signers["bob"].Sign([]byte(protocol.ApprovalMessage("acme/docs", 8)))
	resp, err := h.gk.HandleEvent(h.ctx, "", CommentEvent{
		Repo: "acme/docs", Number: 8, CommentID: 11, Commenter: "alice", Body: "/governance-sign " + sig,
	})
	require.NoError(t, err)
	assert.Equal(t, audit.JobSignatureRejected, resp.Detail)

	resp, err = h.gk.HandleEvent(h.ctx, "", CommentEvent{
		Repo: "acme/docs", Number: 8, CommentID: 12, Commenter: "mallory", Body: "/governance-sign " + sig,
	})
	require.NoError(t, err)
	assert.Equal(t, audit.JobSignatureRejected, resp.Detail)
	assert.Equal(t, 2, h.countJobs(audit.JobSignatureRejected))

	summary, err := h.gk.Evaluate(h.ctx, "acme/docs", 8)
	require.NoError(t, err)
	assert.Zero(t, summary.SignaturesCurrent)
}

func TestReplayedDeliveryChangesNothing(t *testing.T) {
	h := newHarness(t)
	h.open("acme/docs", 3, "Fix typo in README")

	sig := h.signers["alice"].Sign([]byte(protocol.ApprovalMessage("acme/docs", 3)))
	ev := CommentEvent{Repo: "acme/docs", Number: 3, CommentID: 55, Commenter: "alice", Body: "/governance-sign " + sig}
	resp, err := h.gk.HandleEvent(h.ctx, "delivery-1", ev)
	require.NoError(t, err)
	assert.Equal(t, "processed", resp.Status)
	before := h.entries()

	resp, err = h.gk.HandleEvent(h.ctx, "delivery-1", ev)
	require.NoError(t, err)
	assert.Equal(t, "duplicate_delivery", resp.Status)

	// Same comment redelivered under a new delivery id.
	resp, err = h.gk.HandleEvent(h.ctx, "delivery-2", ev)
	require.NoError(t, err)
	assert.Equal(t, "signature_accepted", resp.Detail)

	after := h.entries()
	assert.Equal(t, len(before), len(after))
	assert.Equal(t, before[len(before)-1].ThisLogHash, after[len(after)-1].ThisLogHash)
}

func TestConcurrentSignaturesAllRecorded(t *testing.T) {
	h := newHarness(t)
	h.open("acme/docs", 9, "Fix typo in README")

	var wg sync.WaitGroup
	errs := make(chan error, len(maintainerNames))
	for i, name := range maintainerNames {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			if _, err := h.signComment("acme/docs", 9, name, int64(900+i)); err != nil {
				errs <- fmt.Errorf("%s: %w", name, err)
			}
		}(i, name)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	summary, err := h.gk.Evaluate(h.ctx, "acme/docs", 9)
	require.NoError(t, err)
	assert.Equal(t, len(maintainerNames), summary.SignaturesCurrent)
	assert.Equal(t, len(maintainerNames), h.countJobs(audit.JobSignatureAdded))

	verify, err := h.gk.VerifyAudit(h.ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "ok", verify.Status)
	assert.False(t, h.gk.ReadOnly())
	assert.Zero(t, h.gk.prLocks.size())
}

func TestTierOnlyRisesOnReclassification(t *testing.T) {
	h := newHarness(t)
	h.open("acme/core", 5, "Tidy docs")

	resp, err := h.gk.HandleEvent(h.ctx, "", PullRequestEvent{
		Action: "synchronize", Repo: "acme/core", Number: 5, Title: "Tidy docs", HeadSHA: "sha-2",
		ChangedPaths: []string{"src/consensus/tx_verify.cpp"},
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Decision)
	assert.Equal(t, 3, resp.Decision.Tier)

	resp, err = h.gk.HandleEvent(h.ctx, "", PullRequestEvent{
		Action: "synchronize", Repo: "acme/core", Number: 5, Title: "Tidy docs", HeadSHA: "sha-3",
		ChangedPaths: []string{"README.md"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Decision.Tier)
	assert.Equal(t, 1, h.countJobs(audit.JobTierChanged))
	assert.Equal(t, 2, h.countJobs(audit.JobPRSynchronized))
}

func TestTierOverride(t *testing.T) {
	h := newHarness(t)
	h.open("acme/docs", 4, "Fix typo in README")

	resp, err := h.gk.HandleEvent(h.ctx, "", CommentEvent{
		Repo: "acme/docs", Number: 4, CommentID: 1, Commenter: "alice",
		Body: "/governance-tier 3 touches relay policy",
	})
	require.NoError(t, err)
	assert.Equal(t, audit.JobTierOverride, resp.Detail)
	require.NotNil(t, resp.Decision)
	assert.Equal(t, 90, resp.Decision.RequiredDays)

	view, err := h.gk.PullRequest(h.ctx, "acme/docs", 4)
	require.NoError(t, err)
	assert.Equal(t, 3, view.Tier)
	assert.True(t, view.TierOverridden)

	_, err = h.gk.HandleEvent(h.ctx, "", CommentEvent{
		Repo: "acme/docs", Number: 4, CommentID: 2, Commenter: "mallory",
		Body: "/governance-tier 1 trust me",
	})
	requireCode(t, err, "TIER_OVERRIDE_NOT_PERMITTED")
	assert.Equal(t, KindPolicy, KindOf(err))
	assert.Equal(t, 1, h.countJobs(audit.JobTierOverride))
}

func TestClosedPRIgnoresSignatures(t *testing.T) {
	h := newHarness(t)
	h.open("acme/docs", 6, "Fix typo in README")

	resp, err := h.gk.HandleEvent(h.ctx, "", PullRequestEvent{Action: "closed", Repo: "acme/docs", Number: 6, Merged: true})
	require.NoError(t, err)
	assert.Equal(t, "processed", resp.Status)

	resp = h.sign("acme/docs", 6, "alice", 61)
	assert.Equal(t, "ignored", resp.Status)

	view, err := h.gk.PullRequest(h.ctx, "acme/docs", 6)
	require.NoError(t, err)
	assert.Equal(t, string(governance.PRMerged), view.State)
	assert.Equal(t, 1, h.countJobs(audit.JobPRClosed))
}

func TestEventValidation(t *testing.T) {
	h := newHarness(t)
	h.open("acme/docs", 2, "Fix typo in README")

	_, err := h.gk.HandleEvent(h.ctx, "", PullRequestEvent{Action: "opened", Number: 2})
	requireCode(t, err, "MISSING_FIELD")

	_, err = h.gk.HandleEvent(h.ctx, "", CommentEvent{Repo: "acme/docs", Number: 2, Commenter: "alice", Body: "/governance-frobnicate"})
	requireCode(t, err, "UNKNOWN_COMMAND")
	assert.Equal(t, KindInput, KindOf(err))

	_, err = h.gk.HandleEvent(h.ctx, "", CommentEvent{Repo: "acme/docs", Number: 2, Commenter: "alice", Body: "/governance-sign zz"})
	requireCode(t, err, "BAD_COMMAND")

	_, err = h.gk.HandleEvent(h.ctx, "", ReviewEvent{
		PullRequest: PullRequestEvent{Repo: "acme/docs", Number: 2}, Reviewer: "bob", State: "shrugged",
	})
	requireCode(t, err, "BAD_REQUEST")

	resp, err := h.gk.HandleEvent(h.ctx, "", CommentEvent{Repo: "acme/docs", Number: 2, Commenter: "alice", Body: "nice work"})
	require.NoError(t, err)
	assert.Equal(t, "ignored", resp.Status)

	resp, err = h.gk.HandleEvent(h.ctx, "", PullRequestEvent{Action: "labeled", Repo: "acme/docs", Number: 2})
	require.NoError(t, err)
	assert.Equal(t, "ignored", resp.Status)

	_, err = h.gk.Evaluate(h.ctx, "acme/docs", 404)
	requireCode(t, err, "NOT_FOUND")
}

func TestReviewIsAuditedOnce(t *testing.T) {
	h := newHarness(t)
	h.open("acme/docs", 12, "Fix typo in README")
	ev := ReviewEvent{
		PullRequest: PullRequestEvent{Repo: "acme/docs", Number: 12, HeadSHA: "sha-acme-docs"},
		Reviewer:    "bob",
		State:       "APPROVED",
	}
	_, err := h.gk.HandleEvent(h.ctx, "", ev)
	require.NoError(t, err)
	_, err = h.gk.HandleEvent(h.ctx, "", ev)
	require.NoError(t, err)
	assert.Equal(t, 1, h.countJobs(audit.JobReviewRecorded))
}

func TestRepeatedReviewAuditsNewDecision(t *testing.T) {
	h := newHarness(t)
	h.open("acme/docs", 13, "Fix typo in README")
	ev := ReviewEvent{
		PullRequest: PullRequestEvent{Repo: "acme/docs", Number: 13, HeadSHA: "sha-acme-docs"},
		Reviewer:    "bob",
		State:       "APPROVED",
	}
	_, err := h.gk.HandleEvent(h.ctx, "", ev)
	require.NoError(t, err)
	for i, name := range []string{"alice", "bob", "charlie"} {
		h.sign("acme/docs", 13, name, int64(1300+i))
	}

	h.clock.Advance(8 * 24 * time.Hour)
	resp, err := h.gk.HandleEvent(h.ctx, "", ev)
	require.NoError(t, err)
	require.NotNil(t, resp.Decision)
	require.Equal(t, string(governance.VerdictMergeOK), resp.Decision.Verdict)

	view, err := h.gk.PullRequest(h.ctx, "acme/docs", 13)
	require.NoError(t, err)
	require.Equal(t, string(governance.VerdictMergeOK), view.Verdict)

	mergeOK := 0
	for _, e := range h.entries() {
		if e.JobType == audit.JobDecisionRendered && strings.Contains(string(e.Payload), `"verdict":"MERGE_OK"`) {
			mergeOK++
		}
	}
	assert.Equal(t, 1, mergeOK)
}

func TestDryRunPublishesSuccess(t *testing.T) {
	h := newHarness(t, withDryRun())
	resp := h.open("acme/docs", 1, "Fix typo in README")
	require.NotNil(t, resp.Decision)
	assert.Equal(t, string(governance.VerdictBlocked), resp.Decision.Verdict)
	assert.Equal(t, "success", resp.Decision.StatusState)

	pending, err := h.store.FetchPendingStatus(h.ctx, 10, h.clock.Now())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "success", pending[0].State)
	assert.True(t, strings.HasPrefix(pending[0].Description, "[DRY-RUN] "))
	assert.True(t, strings.HasPrefix(pending[0].Body, "[DRY-RUN] "))
}

func TestCorruptedLogMakesServiceReadOnly(t *testing.T) {
	var tampered *tamperedStore
	h := newHarness(t, withStore(func(s storage.Store) storage.Store {
		tampered = &tamperedStore{Store: s, index: 1}
		return tampered
	}))
	h.open("acme/docs", 1, "Fix typo in README")
	require.GreaterOrEqual(t, len(h.entries()), 2)

	tampered.enabled = true
	res, err := h.gk.VerifyAudit(h.ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "failed", res.Status)
	require.NotNil(t, res.Index)
	assert.EqualValues(t, 1, *res.Index)
	assert.True(t, h.gk.ReadOnly())

	_, err = h.gk.HandleEvent(h.ctx, "", CommentEvent{Repo: "acme/docs", Number: 1, CommentID: 1, Commenter: "alice", Body: "/governance-sign 00"})
	requireCode(t, err, "AUDIT_LOG_CORRUPTED")
	assert.Equal(t, KindCorruption, KindOf(err))

	view, err := h.gk.PullRequest(h.ctx, "acme/docs", 1)
	require.NoError(t, err)
	assert.Equal(t, "acme/docs", view.Repo)

	health := h.gk.Health(h.ctx)
	assert.Equal(t, "read_only", health.Status)
	assert.True(t, health.ReadOnly)
}

func TestExpectedRootMismatchIsCorruption(t *testing.T) {
	h := newHarness(t)
	h.open("acme/docs", 1, "Fix typo in README")

	root, err := h.gk.AuditRoot(h.ctx, nil)
	require.NoError(t, err)
	res, err := h.gk.VerifyAudit(h.ctx, root.MerkleRoot)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Status)

	res, err = h.gk.VerifyAudit(h.ctx, strings.Repeat("0", 64))
	require.NoError(t, err)
	assert.Equal(t, "failed", res.Status)
	assert.Contains(t, res.Failure, "merkle root mismatch")
	assert.True(t, h.gk.ReadOnly())
}

func TestWriteConflictsAreRetried(t *testing.T) {
	var flaky *flakyStore
	h := newHarness(t, withStore(func(s storage.Store) storage.Store {
		flaky = &flakyStore{Store: s}
		return flaky
	}))

	flaky.mu.Lock()
	flaky.failures = 2
	flaky.mu.Unlock()
	resp := h.open("acme/docs", 1, "Fix typo in README")
	assert.Equal(t, "processed", resp.Status)

	flaky.mu.Lock()
	flaky.failures = 10
	flaky.mu.Unlock()
	_, err := h.gk.HandleEvent(h.ctx, "", PullRequestEvent{Action: "opened", Repo: "acme/docs", Number: 2, Title: "x"})
	requireCode(t, err, "CONFLICT")
	assert.Equal(t, KindConflict, KindOf(err))
}

func TestRulesetSnapshotOnlyOnChange(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, 1, h.countJobs(audit.JobRulesetLoaded))
	require.NoError(t, h.gk.SnapshotRuleset(h.ctx))
	assert.Equal(t, 1, h.countJobs(audit.JobRulesetLoaded))
}

func TestAuditQueries(t *testing.T) {
	h := newHarness(t)
	h.open("acme/docs", 1, "Fix typo in README")
	h.sign("acme/docs", 1, "alice", 1)
	total := len(h.entries())

	page, err := h.gk.AuditEntries(h.ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.EqualValues(t, 1, page[0].Seq)

	upto := int64(0)
	first, err := h.gk.AuditRoot(h.ctx, &upto)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Entries)
	assert.Equal(t, h.entries()[0].ThisLogHash, first.MerkleRoot)

	proof, err := h.gk.AuditProof(h.ctx, 2)
	require.NoError(t, err)
	ok, err := audit.VerifyInclusionProof(proof)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = h.gk.AuditProof(h.ctx, int64(total))
	requireCode(t, err, "NOT_FOUND")

	var buf strings.Builder
	n, err := h.gk.ExportAudit(h.ctx, &buf)
	require.NoError(t, err)
	assert.Equal(t, total, n)
	parsed, err := audit.ReadJSONL(strings.NewReader(buf.String()))
	require.NoError(t, err)
	require.NoError(t, audit.Verify(parsed))
}
