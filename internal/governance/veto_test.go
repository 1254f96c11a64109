package governance

import (
	"testing"

	"github.com/BTCDecoded/governance-app/internal/registry"
)

func vetoNodes() []registry.EconomicNode {
	return []registry.EconomicNode{
		{ID: "pool-a", Kind: registry.MiningPool, Weight: 0.35, Status: registry.NodeActive},
		{ID: "pool-b", Kind: registry.MiningPool, Weight: 0.65, Status: registry.NodeActive},
		{ID: "exchange-a", Kind: registry.Exchange, Weight: 40, Status: registry.NodeActive},
		{ID: "custodian-a", Kind: registry.Custodian, Weight: 60, Status: registry.NodeActive},
		{ID: "holder-x", Kind: registry.MajorHolder, Weight: 500, Status: registry.NodeSuspended},
	}
}

func signal(node string, kind SignalKind) VetoSignal {
	s := VetoSignal{Repo: "acme/core", Number: 42, NodeID: node, Kind: kind, Active: true}
	for _, n := range vetoNodes() {
		if n.ID == node {
			s.Weight = n.Weight
		}
	}
	return s
}

func TestAggregateMiningVeto(t *testing.T) {
	f := newFixture(t, nil, vetoNodes())
	rule := DefaultRuleset().Veto
	tally := AggregateVetoes([]VetoSignal{signal("pool-a", SignalVeto)}, f.snap, rule, TierConsensusAdjacent)
	if tally.MiningPct != 35 || !tally.MiningMet || !tally.Active() {
		t.Fatalf("mining pct=%v met=%v active=%v", tally.MiningPct, tally.MiningMet, tally.Active())
	}
	if tally.EconomicTotalWeight != 100 {
		t.Fatalf("suspended node weight counted: %v", tally.EconomicTotalWeight)
	}

	tier2 := AggregateVetoes([]VetoSignal{signal("pool-a", SignalVeto)}, f.snap, rule, TierFeature)
	if tier2.Active() {
		t.Fatal("veto must not apply below the minimum tier")
	}
}

func TestAggregateExactThresholdAndIgnoredSignals(t *testing.T) {
	f := newFixture(t, nil, vetoNodes())
	rule := DefaultRuleset().Veto
	withdrawn := signal("custodian-a", SignalVeto)
	withdrawn.Active = false
	signals := []VetoSignal{
		signal("exchange-a", SignalVeto),
		signal("holder-x", SignalVeto),
		signal("pool-b", SignalSupport),
		signal("ghost", SignalVeto),
		withdrawn,
	}
	tally := AggregateVetoes(signals, f.snap, rule, TierGovernance)
	if tally.EconomicPct != 40 || !tally.EconomicMet {
		t.Fatalf("economic pct = %v, want exactly 40 and met", tally.EconomicPct)
	}
	if tally.MiningPct != 0 || tally.Supporting != 1 {
		t.Fatalf("mining=%v supporting=%d", tally.MiningPct, tally.Supporting)
	}
	if len(tally.Vetoing) != 1 || tally.Vetoing[0] != "exchange-a" {
		t.Fatalf("vetoing = %v", tally.Vetoing)
	}
}

func TestAggregateNoWeight(t *testing.T) {
	f := newFixture(t, nil, nil)
	tally := AggregateVetoes(nil, f.snap, DefaultRuleset().Veto, TierGovernance)
	if tally.Active() || tally.MiningPct != 0 || tally.EconomicPct != 0 {
		t.Fatalf("empty registry produced %+v", tally)
	}
}

func TestAggregateUsesWeightAtSignalTime(t *testing.T) {
	nodes := vetoNodes()
	sig := signal("pool-a", SignalVeto)
	nodes[0].Weight = 0.05
	nodes[1].Weight = 0.95
	f := newFixture(t, nil, nodes)
	tally := AggregateVetoes([]VetoSignal{sig}, f.snap, DefaultRuleset().Veto, TierConsensusAdjacent)
	if tally.MiningPct != 35 || !tally.Active() {
		t.Fatalf("mining pct = %v, want the recorded 35", tally.MiningPct)
	}
}

func TestAggregateLatestSignalPerNodeWins(t *testing.T) {
	f := newFixture(t, nil, vetoNodes())
	first := signal("pool-a", SignalVeto)
	first.CreatedAt = mustTime(t, "2025-01-01T00:00:00Z")
	second := signal("pool-a", SignalSupport)
	second.CreatedAt = mustTime(t, "2025-01-02T00:00:00Z")
	tally := AggregateVetoes([]VetoSignal{second, first}, f.snap, DefaultRuleset().Veto, TierConsensusAdjacent)
	if tally.Active() || tally.Supporting != 1 || len(tally.Vetoing) != 0 {
		t.Fatalf("older veto still counted: %+v", tally)
	}
}
