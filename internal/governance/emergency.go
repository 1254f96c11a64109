package governance

import (
	"fmt"
	"strings"
	"time"
)

type EmergencyTier int

const (
	EmergencyCritical EmergencyTier = 1
	EmergencyUrgent   EmergencyTier = 2
	EmergencyElevated EmergencyTier = 3
)

func (t EmergencyTier) Valid() bool {
	return t >= EmergencyCritical && t <= EmergencyElevated
}

func (t EmergencyTier) Name() string {
	switch t {
	case EmergencyCritical:
		return "Critical"
	case EmergencyUrgent:
		return "Urgent"
	case EmergencyElevated:
		return "Elevated"
	default:
		return "Unknown"
	}
}

func (t EmergencyTier) Slug() string {
	return strings.ToLower(t.Name())
}

func (t EmergencyTier) Emoji() string {
	switch t {
	case EmergencyCritical:
		return "🚨"
	case EmergencyUrgent:
		return "⚠️"
	default:
		return "📢"
	}
}

// ParseEmergencyTier accepts a tier name or its number.
func ParseEmergencyTier(raw string) (EmergencyTier, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "critical", "1":
		return EmergencyCritical, nil
	case "urgent", "2":
		return EmergencyUrgent, nil
	case "elevated", "3":
		return EmergencyElevated, nil
	}
	return 0, policyErr(CodeInvalidEmergencyTier, "unknown emergency tier %q", raw)
}

type EmergencyState string

const (
	EmergencyActive  EmergencyState = "active"
	EmergencyExpired EmergencyState = "expired"
	EmergencyClosed  EmergencyState = "closed"
)

type Emergency struct {
	ID                    string
	Scope                 string
	Tier                  EmergencyTier
	State                 EmergencyState
	ActivatedBy           string
	Reason                string
	Evidence              string
	Signers               []string
	ActivatedAt           time.Time
	ExpiresAt             time.Time
	ExtensionCount        int
	ExpiredAt             *time.Time
	PostMortemDeadline    *time.Time
	PostMortemURL         string
	PostMortemAt          *time.Time
	SecurityAuditDeadline *time.Time
	SecurityAuditURL      string
	SecurityAuditAt       *time.Time
	ClosedAt              *time.Time
}

// ActiveAt reports whether the record still governs decisions at now.
func (e *Emergency) ActiveAt(now time.Time) bool {
	return e != nil && e.State == EmergencyActive && now.Before(e.ExpiresAt)
}

func (e *Emergency) Remaining(now time.Time) time.Duration {
	if !e.ActiveAt(now) {
		return 0
	}
	return e.ExpiresAt.Sub(now)
}

type ActivationRequest struct {
	ID          string
	Scope       string
	Tier        EmergencyTier
	ActivatedBy string
	Reason      string
	Evidence    string
	// Signers are the distinct eligible maintainers whose signatures
	// over the activation message verified.
	Signers []string
}

// Activate builds a new active emergency. current is the scope's active
// record, if any, after lazy expiry has been applied.
func (r Ruleset) Activate(req ActivationRequest, current *Emergency, now time.Time) (Emergency, error) {
	if !req.Tier.Valid() {
		return Emergency{}, policyErr(CodeInvalidEmergencyTier, "unknown emergency tier %d", req.Tier)
	}
	if current.ActiveAt(now) {
		return Emergency{}, policyErr(CodeEmergencyAlreadyActive,
			"%s emergency %s already active in scope %s", current.Tier.Name(), current.ID, current.Scope)
	}
	if n := len(strings.TrimSpace(req.Evidence)); n < r.MinEvidenceLength {
		return Emergency{}, policyErr(CodeInsufficientEvidence,
			"evidence must be at least %d characters, got %d", r.MinEvidenceLength, n)
	}
	policy := r.Policy(req.Tier)
	if len(req.Signers) < policy.Activation.Required {
		return Emergency{}, policyErr(CodeInsufficientSignatures,
			"%s activation requires %s signatures, got %d", req.Tier.Name(), policy.Activation, len(req.Signers))
	}
	return Emergency{
		ID:          req.ID,
		Scope:       req.Scope,
		Tier:        req.Tier,
		State:       EmergencyActive,
		ActivatedBy: req.ActivatedBy,
		Reason:      req.Reason,
		Evidence:    req.Evidence,
		Signers:     append([]string(nil), req.Signers...),
		ActivatedAt: now,
		ExpiresAt:   now.Add(policy.MaxDuration),
	}, nil
}

// CheckExtend reports why the record cannot be extended, or nil.
func (r Ruleset) CheckExtend(e *Emergency, now time.Time) error {
	if e == nil || e.State == EmergencyClosed {
		return policyErr(CodeEmergencyNotActive, "no active emergency")
	}
	policy := r.Policy(e.Tier)
	if policy.MaxExtensions == 0 {
		return policyErr(NoExtensionCode(e.Tier), "%s emergencies cannot be extended", e.Tier.Name())
	}
	if !e.ActiveAt(now) {
		return policyErr(CodeEmergencyExpired, "emergency %s expired at %s", e.ID, e.ExpiresAt.UTC().Format(time.RFC3339))
	}
	if e.ExtensionCount >= policy.MaxExtensions {
		return policyErr(CodeMaxExtensionsReached,
			"emergency %s already extended %d of %d times", e.ID, e.ExtensionCount, policy.MaxExtensions)
	}
	return nil
}

// Extend pushes expiry forward by the tier's extension duration.
func (r Ruleset) Extend(e *Emergency, signers []string, now time.Time) error {
	if err := r.CheckExtend(e, now); err != nil {
		return err
	}
	policy := r.Policy(e.Tier)
	if len(signers) < policy.Extension.Required {
		return policyErr(CodeInsufficientSignatures,
			"%s extension requires %s signatures, got %d", e.Tier.Name(), policy.Extension, len(signers))
	}
	e.ExtensionCount++
	e.ExpiresAt = e.ExpiresAt.Add(policy.ExtensionDuration)
	return nil
}

// ObserveExpiry moves an active record past its expiry into the expired
// state and records its obligations. It reports whether a transition
// happened.
func (r Ruleset) ObserveExpiry(e *Emergency, now time.Time) bool {
	if e == nil || e.State != EmergencyActive || now.Before(e.ExpiresAt) {
		return false
	}
	expired := e.ExpiresAt
	postMortem := expired.Add(r.PostMortemGrace)
	e.State = EmergencyExpired
	e.ExpiredAt = &expired
	e.PostMortemDeadline = &postMortem
	if r.Policy(e.Tier).SecurityAuditRequired {
		audit := expired.Add(r.SecurityAuditGrace)
		e.SecurityAuditDeadline = &audit
	}
	return true
}

func (r Ruleset) ObligationsMet(e *Emergency) bool {
	if e.PostMortemAt == nil {
		return false
	}
	return !r.Policy(e.Tier).SecurityAuditRequired || e.SecurityAuditAt != nil
}

// RecordPostMortem attaches the post-mortem publication and closes the
// record when nothing else is owed.
func (r Ruleset) RecordPostMortem(e *Emergency, url string, now time.Time) error {
	if e == nil || e.State != EmergencyExpired {
		return policyErr(CodeEmergencyNotActive, "post-mortem applies only to expired emergencies")
	}
	if e.PostMortemAt != nil {
		return policyErr(CodeObligationRecorded, "post-mortem already recorded for %s", e.ID)
	}
	e.PostMortemURL = url
	e.PostMortemAt = &now
	r.tryClose(e, now)
	return nil
}

func (r Ruleset) RecordSecurityAudit(e *Emergency, url string, now time.Time) error {
	if e == nil || e.State != EmergencyExpired {
		return policyErr(CodeEmergencyNotActive, "security audit applies only to expired emergencies")
	}
	if !r.Policy(e.Tier).SecurityAuditRequired {
		return policyErr(CodeObligationNotRequired, "%s emergencies do not require a security audit", e.Tier.Name())
	}
	if e.SecurityAuditAt != nil {
		return policyErr(CodeObligationRecorded, "security audit already recorded for %s", e.ID)
	}
	e.SecurityAuditURL = url
	e.SecurityAuditAt = &now
	r.tryClose(e, now)
	return nil
}

func (r Ruleset) tryClose(e *Emergency, now time.Time) {
	if r.ObligationsMet(e) {
		e.State = EmergencyClosed
		e.ClosedAt = &now
	}
}

// OverdueObligations lists the obligations whose deadline has passed.
func (r Ruleset) OverdueObligations(e *Emergency, now time.Time) []string {
	if e == nil || e.State != EmergencyExpired {
		return nil
	}
	var out []string
	if e.PostMortemAt == nil && e.PostMortemDeadline != nil && now.After(*e.PostMortemDeadline) {
		out = append(out, "post_mortem")
	}
	if e.SecurityAuditAt == nil && e.SecurityAuditDeadline != nil && now.After(*e.SecurityAuditDeadline) {
		out = append(out, "security_audit")
	}
	return out
}

func (e *Emergency) String() string {
	return fmt.Sprintf("%s emergency %s (%s)", e.Tier.Name(), e.ID, e.State)
}
