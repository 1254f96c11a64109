// Package storagetest holds the behaviour every storage.Store backend must
// share.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTCDecoded/governance-app/internal/audit"
	"github.com/BTCDecoded/governance-app/internal/governance"
	"github.com/BTCDecoded/governance-app/internal/registry"
	"github.com/BTCDecoded/governance-app/internal/storage"
)

// Factory returns an empty store. The suite closes it.
type Factory func(t *testing.T) storage.Store

// Base is the fixed clock the suite writes with.
var Base = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func Run(t *testing.T, open Factory) {
	tests := []struct {
		name string
		fn   func(*testing.T, storage.Store)
	}{
		{"PullRequestRoundTrip", testPullRequestRoundTrip},
		{"SignatureUniqueness", testSignatureUniqueness},
		{"VetoSignals", testVetoSignals},
		{"Emergencies", testEmergencies},
		{"AuditChain", testAuditChain},
		{"DeliveriesAndRuleset", testDeliveriesAndRuleset},
		{"StatusOutbox", testStatusOutbox},
		{"Registry", testRegistry},
		{"RollbackOnError", testRollbackOnError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := open(t)
			t.Cleanup(s.Close)
			tc.fn(t, s)
		})
	}
}

func testPullRequestRoundTrip(t *testing.T, s storage.Store) {
	ctx := context.Background()
	pr := governance.PullRequest{
		Repo: "acme/core", Number: 42, Title: "[CONSENSUS-ADJACENT] Update validation", Author: "alice",
		HeadSHA: "abc123", Tier: governance.TierConsensusAdjacent, State: governance.PROpen,
		OpenedAt: Base, CreatedAt: Base, UpdatedAt: Base,
	}
	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		return tx.UpsertPullRequest(ctx, pr)
	}))

	pr.Tier = governance.TierGovernance
	pr.TierOverridden = true
	pr.Verdict = governance.VerdictBlocked
	pr.VetoActive = true
	pr.DecisionHash = "feed"
	pr.UpdatedAt = Base.Add(time.Hour)
	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		return tx.UpsertPullRequest(ctx, pr)
	}))

	var got governance.PullRequest
	var ok bool
	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		got, ok, err = tx.GetPullRequest(ctx, "acme/core", 42)
		return err
	}))
	require.True(t, ok)
	assert.Equal(t, pr, got)

	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		_, ok, err := tx.GetPullRequest(ctx, "acme/core", 43)
		assert.False(t, ok)
		return err
	}))
}

func testSignatureUniqueness(t *testing.T, s storage.Store) {
	ctx := context.Background()
	sig := governance.Signature{
		Repo: "acme/docs", Number: 1, Signer: "alice", Signature: "aa", SourceID: "comment:1",
		Status: governance.SignatureAccepted, CreatedAt: Base,
	}
	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		return tx.InsertSignature(ctx, sig)
	}))

	again := sig
	again.SourceID = "comment:2"
	err := s.WithTx(ctx, func(tx storage.Tx) error {
		return tx.InsertSignature(ctx, again)
	})
	require.ErrorIs(t, err, storage.ErrConflict)

	dup := again
	dup.Status = governance.SignatureDuplicate
	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		return tx.InsertSignature(ctx, dup)
	}))

	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		list, err := tx.ListSignatures(ctx, "acme/docs", 1)
		if err != nil {
			return err
		}
		assert.Equal(t, []governance.Signature{sig, dup}, list)

		found, ok, err := tx.SignatureBySource(ctx, "comment:2")
		assert.True(t, ok)
		assert.Equal(t, governance.SignatureDuplicate, found.Status)
		return err
	}))
}

func testVetoSignals(t *testing.T, s storage.Store) {
	ctx := context.Background()
	v := governance.VetoSignal{
		ID: "veto-1", Repo: "acme/core", Number: 42, NodeID: "pool-a", NodeKind: registry.MiningPool,
		Kind: governance.SignalVeto, Weight: 0.35, Strength: 80, Rationale: "breaks payouts",
		Signature: "bb", Active: true, CreatedAt: Base,
	}
	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		return tx.InsertVetoSignal(ctx, v)
	}))
	second := v
	second.ID = "veto-2"
	require.ErrorIs(t, s.WithTx(ctx, func(tx storage.Tx) error {
		return tx.InsertVetoSignal(ctx, second)
	}), storage.ErrConflict)

	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		ok, err := tx.WithdrawVetoSignal(ctx, "acme/core", 42, "pool-a", Base.Add(time.Hour))
		assert.True(t, ok)
		if err != nil {
			return err
		}
		ok, err = tx.WithdrawVetoSignal(ctx, "acme/core", 42, "pool-a", Base.Add(2*time.Hour))
		assert.False(t, ok)
		return err
	}))

	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		return tx.InsertVetoSignal(ctx, second)
	}))
	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		list, err := tx.ListVetoSignals(ctx, "acme/core", 42)
		if err != nil {
			return err
		}
		require.Len(t, list, 2)
		assert.False(t, list[0].Active)
		require.NotNil(t, list[0].WithdrawnAt)
		assert.True(t, list[0].WithdrawnAt.Equal(Base.Add(time.Hour)))
		assert.True(t, list[1].Active)
		assert.Equal(t, registry.MiningPool, list[1].NodeKind)
		return nil
	}))
}

func testEmergencies(t *testing.T, s storage.Store) {
	ctx := context.Background()
	e := governance.Emergency{
		ID: "em-1", Scope: "global", Tier: governance.EmergencyCritical, State: governance.EmergencyActive,
		ActivatedBy: "alice", Reason: "chain split", Evidence: "evidence", Signers: []string{"alice", "bob"},
		ActivatedAt: Base, ExpiresAt: Base.Add(7 * 24 * time.Hour),
	}
	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		return tx.InsertEmergency(ctx, e)
	}))
	other := e
	other.ID = "em-2"
	require.ErrorIs(t, s.WithTx(ctx, func(tx storage.Tx) error {
		return tx.InsertEmergency(ctx, other)
	}), storage.ErrConflict)

	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		got, ok, err := tx.ActiveEmergency(ctx, "global")
		require.True(t, ok)
		assert.Equal(t, e, got)
		return err
	}))

	rs := governance.DefaultRuleset()
	require.True(t, rs.ObserveExpiry(&e, Base.Add(8*24*time.Hour)))
	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		return tx.UpdateEmergency(ctx, e)
	}))
	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		_, ok, err := tx.ActiveEmergency(ctx, "global")
		assert.False(t, ok)
		if err != nil {
			return err
		}
		open, err := tx.OpenEmergencies(ctx, "")
		require.Len(t, open, 1)
		assert.Equal(t, e, open[0])
		none, err2 := tx.OpenEmergencies(ctx, "acme/core")
		assert.Empty(t, none)
		return errors.Join(err, err2)
	}))

	missing := e
	missing.ID = "em-404"
	require.ErrorIs(t, s.WithTx(ctx, func(tx storage.Tx) error {
		return tx.UpdateEmergency(ctx, missing)
	}), storage.ErrNotFound)
}

func testAuditChain(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tip, err := s.AuditTip(ctx)
	require.NoError(t, err)
	require.Nil(t, tip)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
			tip, err := tx.AuditTip(ctx)
			if err != nil {
				return err
			}
			e, err := audit.Next(tip, audit.Record{
				JobID:   audit.DerivedJobID("test", string(rune('a'+i))),
				JobType: audit.JobSignatureAdded,
				Actor:   "alice",
				Payload: map[string]any{"pr": "acme/docs#1", "i": i, "note": "<unescaped & ordered>"},
			}, Base.Add(time.Duration(i)*time.Second+123456789))
			if err != nil {
				return err
			}
			return tx.InsertAuditEntry(ctx, e)
		}))
	}

	all, err := s.AllAuditEntries(ctx)
	require.NoError(t, err)
	require.Len(t, all, 5)
	require.NoError(t, audit.Verify(all))

	page, err := s.ListAuditEntries(ctx, 3, 10)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, all[3:], page)

	tip, err = s.AuditTip(ctx)
	require.NoError(t, err)
	require.NotNil(t, tip)
	assert.Equal(t, all[4], *tip)

	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		ok, err := tx.HasAuditJob(ctx, all[2].JobID)
		assert.True(t, ok)
		return err
	}))

	stale := all[4]
	stale.JobID = audit.NewJobID()
	require.ErrorIs(t, s.WithTx(ctx, func(tx storage.Tx) error {
		return tx.InsertAuditEntry(ctx, stale)
	}), storage.ErrConflict)
}

func testDeliveriesAndRuleset(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		first, err := tx.RecordDelivery(ctx, "d-1", "pull_request", Base)
		assert.True(t, first)
		if err != nil {
			return err
		}
		again, err := tx.RecordDelivery(ctx, "d-1", "pull_request", Base.Add(time.Minute))
		assert.False(t, again)
		return err
	}))

	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		_, ok, err := tx.LatestRuleset(ctx)
		assert.False(t, ok)
		if err != nil {
			return err
		}
		if err := tx.InsertRuleset(ctx, storage.RulesetRecord{Hash: "h1", JSON: "{}", LoadedAt: Base}); err != nil {
			return err
		}
		if err := tx.InsertRuleset(ctx, storage.RulesetRecord{Hash: "h2", JSON: `{"a":1}`, LoadedAt: Base.Add(time.Hour)}); err != nil {
			return err
		}
		latest, ok, err := tx.LatestRuleset(ctx)
		assert.True(t, ok)
		assert.Equal(t, "h2", latest.Hash)
		return err
	}))
}

func testStatusOutbox(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		for i := 1; i <= 2; i++ {
			if err := tx.EnqueueStatus(ctx, storage.StatusUpdate{
				Repo: "acme/docs", Number: i, HeadSHA: "sha", State: "failure", Context: "governance",
				Description: "blocked", Body: "❌ Governance: Requirements Not Met", CreatedAt: Base,
			}); err != nil {
				return err
			}
		}
		return nil
	}))

	items, err := s.FetchPendingStatus(ctx, 10, Base)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, storage.OutboxPending, items[0].Status)
	assert.Equal(t, "❌ Governance: Requirements Not Met", items[0].Body)

	require.NoError(t, s.MarkStatusRetry(ctx, items[0].ID, 1, Base.Add(time.Minute), "503 from platform"))
	require.NoError(t, s.MarkStatusSent(ctx, items[1].ID, Base))

	items, err = s.FetchPendingStatus(ctx, 10, Base.Add(30*time.Second))
	require.NoError(t, err)
	assert.Empty(t, items)

	items, err = s.FetchPendingStatus(ctx, 10, Base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].Attempts)
	assert.Equal(t, "503 from platform", items[0].LastError)

	require.NoError(t, s.MarkStatusFailed(ctx, items[0].ID, 2, "422 from platform"))
	items, err = s.FetchPendingStatus(ctx, 10, Base.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, items)
}

func testRegistry(t *testing.T, s storage.Store) {
	ctx := context.Background()
	maintainers := []registry.Maintainer{
		{Username: "alice", PublicKey: "aa", Layer: 1, Active: true, UpdatedAt: Base},
		{Username: "alice", PublicKey: "ab", Layer: 1, Active: false, UpdatedAt: Base},
		{Username: "bob", PublicKey: "bb", Layer: 3, Active: true, UpdatedAt: Base},
	}
	nodes := []registry.EconomicNode{
		{ID: "pool-a", Kind: registry.MiningPool, PublicKey: "cc", Weight: 0.35, Status: registry.NodeActive, Handle: "poola", RegisteredAt: Base},
		{ID: "ex-a", Kind: registry.Exchange, PublicKey: "dd", Weight: 0, Status: registry.NodePending, RegisteredAt: Base},
	}
	require.NoError(t, s.ReplaceRegistry(ctx, maintainers, nodes))
	require.NoError(t, s.ReplaceRegistry(ctx, maintainers, nodes))

	gotM, gotN, err := s.LoadRegistry(ctx)
	require.NoError(t, err)
	assert.Equal(t, maintainers, gotM)
	assert.Equal(t, []registry.EconomicNode{nodes[1], nodes[0]}, gotN)

	snap, err := registry.NewStoreSource(s, nil).Snapshot(ctx)
	require.NoError(t, err)
	m, ok := snap.Maintainer("alice")
	require.True(t, ok)
	assert.Equal(t, "aa", m.PublicKey)
}

func testRollbackOnError(t *testing.T, s storage.Store) {
	ctx := context.Background()
	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.RecordDelivery(ctx, "d-9", "issue_comment", Base); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		fresh, err := tx.RecordDelivery(ctx, "d-9", "issue_comment", Base)
		assert.True(t, fresh)
		return err
	}))
}
