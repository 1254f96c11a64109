package governance

import (
	"strings"
	"testing"
	"time"
)

func TestReviewAndSignatureStatusLayouts(t *testing.T) {
	d := Decision{RequiredDays: 30, ElapsedDays: 12, EarliestMerge: mustTime(t, "2025-02-15T09:00:00Z")}
	want := "❌ Governance: Review Period Not Met\nRequired: 30 days | Elapsed: 12 days\nEarliest merge: 2025-02-15"
	if got := ReviewPeriodStatus(d); got != want {
		t.Fatalf("got %q", got)
	}
	res := ThresholdResult{Threshold: Threshold{4, 5}, Signers: []string{"alice", "bob"}, Pending: []string{"carol", "dan", "eve"}}
	want = "❌ Governance: Signatures Missing\nRequired: 4-of-5 | Current: 2/5\nSigned by: alice, bob\nPending: carol, dan, eve"
	if got := SignaturesStatus(res); got != want {
		t.Fatalf("got %q", got)
	}
	if got := SignaturesStatus(ThresholdResult{Threshold: Threshold{1, 1}}); !strings.Contains(got, "Signed by: none") {
		t.Fatalf("got %q", got)
	}
	if got := VetoStatus(VetoTally{}, DefaultRuleset().Veto, TierRoutine); got != "✅ Governance: Veto not applicable (tier 1)" {
		t.Fatalf("got %q", got)
	}
}

func TestExpirationWarning(t *testing.T) {
	rs := DefaultRuleset()
	start := mustTime(t, "2025-04-01T00:00:00Z")
	e, err := rs.Activate(ActivationRequest{
		ID: "em-9", Scope: "global", Tier: EmergencyUrgent, ActivatedBy: "alice",
		Reason: "relay bug", Evidence: evidence, Signers: []string{"a", "b", "c", "d", "e"},
	}, nil, start)
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if got := rs.ExpirationWarning(&e, start.Add(10*day)); got != "" {
		t.Fatalf("unexpected warning %q", got)
	}
	if got := rs.ExpirationWarning(&e, start.Add(28*day)); !strings.Contains(got, "⏰ 2 days remaining") {
		t.Fatalf("got %q", got)
	}
	got := rs.ExpirationWarning(&e, start.Add(29*day+20*time.Hour))
	if !strings.Contains(got, "Less than 24 hours remaining") || !strings.HasSuffix(got, "Extension available: requires 6-of-7 signatures") {
		t.Fatalf("got %q", got)
	}
	if status := rs.EmergencyStatus(&e, start.Add(29*day+20*time.Hour)); !strings.Contains(status, "⏰ Expires in 4 hours\n📋 Extensions: 0 of 1 used (can extend by 30 days)") {
		t.Fatalf("status %q", status)
	}
}

func TestPostEmergencyRequirements(t *testing.T) {
	rs := DefaultRuleset()
	start := mustTime(t, "2025-05-01T00:00:00Z")
	e := activateCritical(t, rs, start)
	if got := rs.PostEmergencyRequirements(&e, start); got != "" {
		t.Fatalf("active emergency has no obligations yet, got %q", got)
	}
	rs.ObserveExpiry(&e, start.Add(7*day))

	got := rs.PostEmergencyRequirements(&e, start.Add(8*day))
	for _, want := range []string{"📋 Post-Emergency Requirements for Critical", "⏳ Post-mortem pending", "Deadline: 2025-06-07", "⏳ Security audit pending", "Deadline: 2025-07-07"} {
		if !strings.Contains(got, want) {
			t.Fatalf("missing %q in %q", want, got)
		}
	}
	got = rs.PostEmergencyRequirements(&e, start.Add(60*day))
	if !strings.Contains(got, "❌ Post-mortem OVERDUE") || !strings.Contains(got, "⚠️ Security audit due soon") {
		t.Fatalf("got %q", got)
	}
}
