package governance

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func policyCode(t *testing.T, err error) string {
	t.Helper()
	var pe *PolicyError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PolicyError, got %v", err)
	}
	return pe.Code
}

var evidence = strings.Repeat("consensus split observed on mainnet; ", 4)

func activateCritical(t *testing.T, rs Ruleset, at time.Time) Emergency {
	t.Helper()
	e, err := rs.Activate(ActivationRequest{
		ID:          "em-1",
		Scope:       "global",
		Tier:        EmergencyCritical,
		ActivatedBy: "alice",
		Reason:      "chain split",
		Evidence:    evidence,
		Signers:     []string{"alice", "bob", "charlie", "dave"},
	}, nil, at)
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	return e
}

func TestCriticalActivationExpiryAndObligations(t *testing.T) {
	rs := DefaultRuleset()
	day1 := mustTime(t, "2025-02-01T00:00:00Z")
	e := activateCritical(t, rs, day1)

	if !e.ExpiresAt.Equal(day1.Add(7 * day)) {
		t.Fatalf("expires_at = %s", e.ExpiresAt)
	}
	if code := policyCode(t, rs.Extend(&e, []string{"a", "b", "c", "d", "e", "f"}, day1.Add(day))); code != "no_extension_allowed_critical" {
		t.Fatalf("extend code = %s", code)
	}
	if rs.ObserveExpiry(&e, day1.Add(6*day)) {
		t.Fatal("expired too early")
	}

	day8 := day1.Add(7 * day)
	if !rs.ObserveExpiry(&e, day8) {
		t.Fatal("expected expiry transition on day 8")
	}
	if e.State != EmergencyExpired || e.ActiveAt(day8) {
		t.Fatalf("state = %s", e.State)
	}
	if want := day1.Add(37 * day); !e.PostMortemDeadline.Equal(want) {
		t.Fatalf("post-mortem deadline = %s, want %s", e.PostMortemDeadline, want)
	}
	if want := day1.Add(67 * day); e.SecurityAuditDeadline == nil || !e.SecurityAuditDeadline.Equal(want) {
		t.Fatalf("security audit deadline = %v, want %s", e.SecurityAuditDeadline, want)
	}
	if rs.ObserveExpiry(&e, day8.Add(day)) {
		t.Fatal("second expiry observation must be a no-op")
	}

	if got := rs.OverdueObligations(&e, day1.Add(40*day)); len(got) != 1 || got[0] != "post_mortem" {
		t.Fatalf("overdue = %v", got)
	}
	if err := rs.RecordPostMortem(&e, "https://example.org/pm", day1.Add(20*day)); err != nil {
		t.Fatalf("RecordPostMortem: %v", err)
	}
	if e.State != EmergencyExpired {
		t.Fatal("critical emergency closed before security audit")
	}
	if code := policyCode(t, rs.RecordPostMortem(&e, "x", day1.Add(21*day))); code != CodeObligationRecorded {
		t.Fatalf("code = %s", code)
	}
	if err := rs.RecordSecurityAudit(&e, "https://example.org/audit", day1.Add(30*day)); err != nil {
		t.Fatalf("RecordSecurityAudit: %v", err)
	}
	if e.State != EmergencyClosed || e.ClosedAt == nil {
		t.Fatalf("state = %s, want closed", e.State)
	}
}

func TestActivationRejections(t *testing.T) {
	rs := DefaultRuleset()
	now := mustTime(t, "2025-02-01T00:00:00Z")
	base := ActivationRequest{
		ID: "em-2", Scope: "global", Tier: EmergencyUrgent, ActivatedBy: "alice",
		Reason: "mempool dos", Evidence: evidence, Signers: []string{"a", "b", "c", "d", "e"},
	}

	short := base
	short.Evidence = "too short"
	if _, err := rs.Activate(short, nil, now); policyCode(t, err) != CodeInsufficientEvidence {
		t.Fatalf("expected insufficient evidence, got %v", err)
	}

	few := base
	few.Signers = []string{"a", "b", "c", "d"}
	if _, err := rs.Activate(few, nil, now); policyCode(t, err) != CodeInsufficientSignatures {
		t.Fatalf("expected insufficient signatures, got %v", err)
	}

	current := activateCritical(t, rs, now)
	if _, err := rs.Activate(base, &current, now.Add(time.Hour)); policyCode(t, err) != CodeEmergencyAlreadyActive {
		t.Fatalf("expected already active, got %v", err)
	}
	rs.ObserveExpiry(&current, now.Add(8*day))
	if _, err := rs.Activate(base, &current, now.Add(8*day)); err != nil {
		t.Fatalf("activation after expiry: %v", err)
	}
}

func TestElevatedExtensionBound(t *testing.T) {
	rs := DefaultRuleset()
	now := mustTime(t, "2025-02-01T00:00:00Z")
	e, err := rs.Activate(ActivationRequest{
		ID: "em-3", Scope: "global", Tier: EmergencyElevated, ActivatedBy: "alice",
		Reason: "fee spike", Evidence: evidence, Signers: []string{"a", "b", "c", "d", "e", "f"},
	}, nil, now)
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	six := []string{"a", "b", "c", "d", "e", "f"}
	if code := policyCode(t, rs.Extend(&e, six[:5], now)); code != CodeInsufficientSignatures {
		t.Fatalf("code = %s", code)
	}
	for i := 0; i < 2; i++ {
		if err := rs.Extend(&e, six, now); err != nil {
			t.Fatalf("extension %d: %v", i+1, err)
		}
	}
	if e.ExtensionCount != 2 || !e.ExpiresAt.Equal(now.Add(150*day)) {
		t.Fatalf("count=%d expires=%s", e.ExtensionCount, e.ExpiresAt)
	}
	if code := policyCode(t, rs.Extend(&e, six, now)); code != CodeMaxExtensionsReached {
		t.Fatalf("code = %s", code)
	}
	rs.ObserveExpiry(&e, now.Add(150*day))
	if e.SecurityAuditDeadline != nil {
		t.Fatal("elevated emergencies owe no security audit")
	}
	if code := policyCode(t, rs.RecordSecurityAudit(&e, "x", now.Add(151*day))); code != CodeObligationNotRequired {
		t.Fatalf("code = %s", code)
	}
	if err := rs.RecordPostMortem(&e, "https://example.org/pm", now.Add(151*day)); err != nil {
		t.Fatalf("RecordPostMortem: %v", err)
	}
	if e.State != EmergencyClosed {
		t.Fatalf("state = %s, want closed", e.State)
	}
}

func TestExtendExpiredEmergency(t *testing.T) {
	rs := DefaultRuleset()
	now := mustTime(t, "2025-02-01T00:00:00Z")
	e := Emergency{ID: "em-4", Tier: EmergencyUrgent, State: EmergencyActive, ActivatedAt: now, ExpiresAt: now.Add(30 * day)}
	if code := policyCode(t, rs.CheckExtend(&e, now.Add(31*day))); code != CodeEmergencyExpired {
		t.Fatalf("code = %s", code)
	}
	if code := policyCode(t, rs.CheckExtend(nil, now)); code != CodeEmergencyNotActive {
		t.Fatalf("code = %s", code)
	}
}

func TestParseEmergencyTier(t *testing.T) {
	for raw, want := range map[string]EmergencyTier{"critical": EmergencyCritical, "Urgent": EmergencyUrgent, "3": EmergencyElevated} {
		got, err := ParseEmergencyTier(raw)
		if err != nil || got != want {
			t.Fatalf("ParseEmergencyTier(%q) = %d, %v", raw, got, err)
		}
	}
	if _, err := ParseEmergencyTier("severe"); policyCode(t, err) != CodeInvalidEmergencyTier {
		t.Fatalf("unexpected %v", err)
	}
}
