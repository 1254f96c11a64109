package governance

import (
	"fmt"
	"strings"
	"time"
)

const (
	stampFormat = "2006-01-02 15:04 UTC"
	dateFormat  = "2006-01-02"
)

func ReviewPeriodStatus(d Decision) string {
	if d.ReviewPeriodMet {
		return "✅ Governance: Review Period Met"
	}
	return fmt.Sprintf("❌ Governance: Review Period Not Met\nRequired: %d days | Elapsed: %d days\nEarliest merge: %s",
		d.RequiredDays, d.ElapsedDays, d.EarliestMerge.UTC().Format(dateFormat))
}

func SignaturesStatus(res ThresholdResult) string {
	if res.Met() {
		return "✅ Governance: Signatures Complete"
	}
	return fmt.Sprintf("❌ Governance: Signatures Missing\nRequired: %s | Current: %d/%d\nSigned by: %s\nPending: %s",
		res.Threshold, res.Current(), res.Threshold.Total, listOrNone(res.Signers), listOrNone(res.Pending))
}

func VetoStatus(t VetoTally, rule VetoRule, tier Tier) string {
	if !t.Applicable {
		return fmt.Sprintf("✅ Governance: Veto not applicable (tier %d)", tier)
	}
	if !t.Active() {
		return "✅ Governance: No Economic Veto"
	}
	return fmt.Sprintf("🚨 Governance: Economic Veto Active\nMining: %s%% (threshold %s%%) | Economic: %s%% (threshold %s%%)",
		pct(t.MiningPct), pct(rule.MiningPct), pct(t.EconomicPct), pct(rule.EconomicPct))
}

// CombinedStatus is the text posted with the status check.
func (r Ruleset) CombinedStatus(d Decision, now time.Time) string {
	var base string
	if d.Verdict == VerdictMergeOK {
		base = "✅ Governance: All Requirements Met - Ready to Merge"
	} else {
		base = "❌ Governance: Requirements Not Met\n\n" + ReviewPeriodStatus(d) +
			"\n\n" + SignaturesStatus(d.Signatures) +
			"\n\n" + VetoStatus(d.Veto, r.Veto, d.Tier)
	}
	if d.Emergency == nil {
		return base
	}
	sections := []string{r.EmergencyStatus(d.Emergency, now)}
	if warning := r.ExpirationWarning(d.Emergency, now); warning != "" {
		sections = append(sections, warning)
	}
	sections = append(sections, base)
	return strings.Join(sections, "\n\n---\n\n")
}

func (r Ruleset) EmergencyStatus(e *Emergency, now time.Time) string {
	policy := r.Policy(e.Tier)
	remaining := e.Remaining(now)

	expiration := fmt.Sprintf("Expires in %d days", int(remaining/day))
	if remaining < day {
		expiration = fmt.Sprintf("⏰ Expires in %d hours", int(remaining/time.Hour))
	}

	var extension string
	switch {
	case policy.MaxExtensions == 0:
		extension = "🚫 Extensions not allowed for this tier"
	case e.ExtensionCount >= policy.MaxExtensions:
		extension = "⚠️ Maximum extensions reached"
	default:
		extension = fmt.Sprintf("📋 Extensions: %d of %d used (can extend by %d days)",
			e.ExtensionCount, policy.MaxExtensions, int(policy.ExtensionDuration/day))
	}

	return fmt.Sprintf("%s Emergency Tier Active: %s\n📊 Requirements: %s signatures, %d day review period\n%s\n%s\n\nReason: %s\nActivated by: %s on %s",
		e.Tier.Emoji(), e.Tier.Name(), policy.Activation, r.EmergencyReviewDays(e.Tier),
		expiration, extension, e.Reason, e.ActivatedBy, e.ActivatedAt.UTC().Format(stampFormat))
}

// ExpirationWarning is empty unless fewer than three days remain.
func (r Ruleset) ExpirationWarning(e *Emergency, now time.Time) string {
	remaining := e.Remaining(now)
	header := fmt.Sprintf("%s %s Emergency Tier Expiring Soon", e.Tier.Emoji(), e.Tier.Name())
	expires := "Expires at: " + e.ExpiresAt.UTC().Format(stampFormat)
	switch {
	case remaining < day:
		next := "Extensions not available for this tier"
		if r.CheckExtend(e, now) == nil {
			next = fmt.Sprintf("Extension available: requires %s signatures", r.Policy(e.Tier).Extension)
		}
		return header + "\n⏰ Less than 24 hours remaining\n" + expires + "\n\n" + next
	case remaining < 3*day:
		return fmt.Sprintf("%s\n⏰ %d days remaining\n%s", header, int(remaining/day), expires)
	default:
		return ""
	}
}

// PostEmergencyRequirements renders the obligations owed by an expired
// emergency. It is empty for records without obligations.
func (r Ruleset) PostEmergencyRequirements(e *Emergency, now time.Time) string {
	if e == nil || e.PostMortemDeadline == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "📋 Post-Emergency Requirements for %s\n\n", e.Tier.Name())
	b.WriteString(obligationLine("Post-mortem", "published", e.PostMortemAt, *e.PostMortemDeadline, 7*day, now))
	fmt.Fprintf(&b, "\nDeadline: %s\n", e.PostMortemDeadline.UTC().Format(dateFormat))
	if e.SecurityAuditDeadline != nil {
		b.WriteString("\n")
		b.WriteString(obligationLine("Security audit", "completed", e.SecurityAuditAt, *e.SecurityAuditDeadline, 14*day, now))
		fmt.Fprintf(&b, "\nDeadline: %s", e.SecurityAuditDeadline.UTC().Format(dateFormat))
	}
	return strings.TrimRight(b.String(), "\n")
}

func obligationLine(name, done string, doneAt *time.Time, deadline time.Time, soon time.Duration, now time.Time) string {
	switch {
	case doneAt != nil:
		return fmt.Sprintf("✅ %s %s", name, done)
	case now.After(deadline):
		return fmt.Sprintf("❌ %s OVERDUE", name)
	case deadline.Sub(now) < soon:
		return fmt.Sprintf("⚠️ %s due soon", name)
	default:
		return fmt.Sprintf("⏳ %s pending", name)
	}
}

func listOrNone(names []string) string {
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ", ")
}

func pct(v float64) string {
	s := fmt.Sprintf("%.2f", v)
	s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	return s
}
