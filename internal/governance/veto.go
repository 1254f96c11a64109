package governance

import (
	"math"
	"sort"
	"time"

	"github.com/BTCDecoded/governance-app/internal/registry"
)

type SignalKind string

const (
	SignalVeto    SignalKind = "veto"
	SignalSupport SignalKind = "support"
	SignalAbstain SignalKind = "abstain"
)

func (k SignalKind) Valid() bool {
	switch k {
	case SignalVeto, SignalSupport, SignalAbstain:
		return true
	}
	return false
}

// VetoSignal is one economic node's stance on a PR. At most one active
// signal exists per (PR, node).
type VetoSignal struct {
	ID          string
	Repo        string
	Number      int
	NodeID      string
	NodeKind    registry.NodeKind
	Kind        SignalKind
	Weight      float64
	Strength    int
	Rationale   string
	Signature   string
	Active      bool
	CreatedAt   time.Time
	WithdrawnAt *time.Time
}

type VetoTally struct {
	Applicable          bool
	MiningVetoWeight    float64
	MiningTotalWeight   float64
	MiningPct           float64
	EconomicVetoWeight  float64
	EconomicTotalWeight float64
	EconomicPct         float64
	MiningMet           bool
	EconomicMet         bool
	Vetoing             []string
	Supporting          int
	Abstaining          int
}

// Active reports whether the tally blocks the PR.
func (t VetoTally) Active() bool {
	return t.Applicable && (t.MiningMet || t.EconomicMet)
}

// AggregateVetoes sums active veto weight per category as a share of the
// total active weight in the category. Each signal contributes the weight
// recorded when it was submitted, not the node's current weight. Signals
// from nodes that are not currently active count for nothing.
func AggregateVetoes(signals []VetoSignal, snap *registry.Snapshot, rule VetoRule, tier Tier) VetoTally {
	t := VetoTally{
		Applicable:          tier >= rule.MinTier,
		MiningTotalWeight:   snap.TotalWeight(true),
		EconomicTotalWeight: snap.TotalWeight(false),
	}

	latest := make(map[string]VetoSignal)
	for _, s := range signals {
		if !s.Active {
			continue
		}
		if prev, ok := latest[s.NodeID]; ok && !s.CreatedAt.After(prev.CreatedAt) {
			continue
		}
		latest[s.NodeID] = s
	}

	for nodeID, s := range latest {
		node, ok := snap.Node(nodeID)
		if !ok || node.Status != registry.NodeActive {
			continue
		}
		switch s.Kind {
		case SignalVeto:
			if node.Kind.IsMining() {
				t.MiningVetoWeight += s.Weight
			} else {
				t.EconomicVetoWeight += s.Weight
			}
			t.Vetoing = append(t.Vetoing, nodeID)
		case SignalSupport:
			t.Supporting++
		case SignalAbstain:
			t.Abstaining++
		}
	}
	sort.Strings(t.Vetoing)

	t.MiningPct = percent(t.MiningVetoWeight, t.MiningTotalWeight)
	t.EconomicPct = percent(t.EconomicVetoWeight, t.EconomicTotalWeight)
	t.MiningMet = t.MiningPct >= rule.MiningPct
	t.EconomicMet = t.EconomicPct >= rule.EconomicPct
	return t
}

// percent is rounded to six decimals so equality at a threshold is not lost
// to float noise.
func percent(part, total float64) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(part/total*100*1e6) / 1e6
}
