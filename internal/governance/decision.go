package governance

import (
	"fmt"
	"strings"
	"time"

	"github.com/BTCDecoded/governance-app/internal/protocol"
)

type Verdict string

const (
	VerdictMergeOK Verdict = "MERGE_OK"
	VerdictBlocked Verdict = "BLOCKED"
)

type Reason string

const (
	ReasonReviewPeriod Reason = "review_period_not_met"
	ReasonSignatures   Reason = "signatures_not_met"
	ReasonEconomicVeto Reason = "economic_veto"
)

type PRState string

const (
	PROpen   PRState = "open"
	PRClosed PRState = "closed"
	PRMerged PRState = "merged"
)

// PullRequest is the persisted governance view of one PR.
type PullRequest struct {
	Repo            string
	Number          int
	Title           string
	Author          string
	HeadSHA         string
	Tier            Tier
	TierOverridden  bool
	State           PRState
	OpenedAt        time.Time
	ReviewPeriodMet bool
	SignaturesMet   bool
	VetoActive      bool
	Verdict         Verdict
	DecisionHash    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (p PullRequest) Key() string {
	return protocol.PRKey(p.Repo, p.Number)
}

type DecisionInput struct {
	PR         PullRequest
	Now        time.Time
	Signatures ThresholdResult
	Veto       VetoTally
	// Emergency is the scope's active emergency after lazy expiry, or nil.
	Emergency *Emergency
}

type Decision struct {
	Verdict         Verdict
	Reasons         []Reason
	Tier            Tier
	RequiredDays    int
	ElapsedDays     int
	EarliestMerge   time.Time
	ReviewPeriodMet bool
	Signatures      ThresholdResult
	Veto            VetoTally
	Emergency       *Emergency
}

func (d Decision) SignaturesMet() bool {
	return d.Signatures.Met()
}

func (d Decision) EmergencyActive() bool {
	return d.Emergency != nil
}

func (d Decision) ReasonStrings() []string {
	out := make([]string, 0, len(d.Reasons))
	for _, r := range d.Reasons {
		out = append(out, string(r))
	}
	return out
}

// Decide combines the evaluator outputs into a verdict. Reasons are listed
// in a fixed order.
func (r Ruleset) Decide(in DecisionInput) Decision {
	var emergency *Emergency
	if in.Emergency.ActiveAt(in.Now) {
		emergency = in.Emergency
	}
	required := r.RequiredReviewDays(in.PR.Tier, emergency)
	elapsed := ElapsedDays(in.PR.OpenedAt, in.Now)
	d := Decision{
		Tier:            in.PR.Tier,
		RequiredDays:    required,
		ElapsedDays:     elapsed,
		EarliestMerge:   EarliestMerge(in.PR.OpenedAt, required),
		ReviewPeriodMet: elapsed >= required,
		Signatures:      in.Signatures,
		Veto:            in.Veto,
		Emergency:       emergency,
	}
	if !d.ReviewPeriodMet {
		d.Reasons = append(d.Reasons, ReasonReviewPeriod)
	}
	if !d.Signatures.Met() {
		d.Reasons = append(d.Reasons, ReasonSignatures)
	}
	if d.Veto.Active() {
		d.Reasons = append(d.Reasons, ReasonEconomicVeto)
	}
	d.Verdict = VerdictMergeOK
	if len(d.Reasons) > 0 {
		d.Verdict = VerdictBlocked
	}
	return d
}

// Fingerprint identifies the observable outcome of a decision. Two decisions
// with equal fingerprints render the same verdict for the same reasons.
func (d Decision) Fingerprint() string {
	parts := []string{
		string(d.Verdict),
		strings.Join(d.ReasonStrings(), ","),
		fmt.Sprintf("tier=%d", d.Tier),
		fmt.Sprintf("days=%d", d.RequiredDays),
		"signers=" + strings.Join(d.Signatures.Signers, ","),
		"vetoing=" + strings.Join(d.Veto.Vetoing, ","),
	}
	if d.Emergency != nil {
		parts = append(parts, fmt.Sprintf("emergency=%s/%d", d.Emergency.ID, d.Emergency.ExtensionCount))
	}
	return protocol.SHA256Hex([]byte(strings.Join(parts, "|")))
}

// Apply copies the decision outcome onto the PR record.
func (d Decision) Apply(pr *PullRequest) {
	pr.ReviewPeriodMet = d.ReviewPeriodMet
	pr.SignaturesMet = d.Signatures.Met()
	pr.VetoActive = d.Veto.Active()
	pr.Verdict = d.Verdict
	pr.DecisionHash = d.Fingerprint()
}
