package config

import (
	"fmt"
	"sort"
	"time"

	"github.com/BTCDecoded/governance-app/internal/governance"
)

// Governance overlays the built-in ruleset. Any field left unset keeps its
// default.
type Governance struct {
	DryRun           bool               `yaml:"dry_run"`
	OverrideMinLayer int                `yaml:"override_min_layer"`
	Tiers            map[int]TierConfig `yaml:"tiers"`
	Veto             VetoConfig         `yaml:"veto"`
	Emergency        EmergencyConfig    `yaml:"emergency"`
	Classifier       ClassifierSettings `yaml:"classifier"`
}

type TierConfig struct {
	Signatures *governance.Threshold `yaml:"signatures"`
	ReviewDays *int                  `yaml:"review_days"`
	MinLayer   int                   `yaml:"min_layer"`
}

type VetoConfig struct {
	MiningPct   float64 `yaml:"mining_pct"`
	EconomicPct float64 `yaml:"economic_pct"`
	MinTier     int     `yaml:"min_tier"`
}

type EmergencyConfig struct {
	Scope                  string                           `yaml:"scope"`
	MinLayer               int                              `yaml:"min_layer"`
	MinEvidenceLength      *int                             `yaml:"min_evidence_length"`
	ReviewDaysOverride     *int                             `yaml:"review_days_override"`
	PostMortemGraceDays    int                              `yaml:"post_mortem_grace_days"`
	SecurityAuditGraceDays int                              `yaml:"security_audit_grace_days"`
	Tiers                  map[string]EmergencyPolicyConfig `yaml:"tiers"`
}

type EmergencyPolicyConfig struct {
	ReviewDays            *int                  `yaml:"review_days"`
	Activation            *governance.Threshold `yaml:"activation"`
	MaxDurationDays       int                   `yaml:"max_duration_days"`
	MaxExtensions         *int                  `yaml:"max_extensions"`
	ExtensionDays         int                   `yaml:"extension_days"`
	Extension             *governance.Threshold `yaml:"extension"`
	SecurityAuditRequired *bool                 `yaml:"security_audit_required"`
}

type ClassifierSettings struct {
	GovernancePaths []string `yaml:"governance_paths"`
	ConsensusGlobs  []string `yaml:"consensus_globs"`
	CodeDirs        []string `yaml:"code_dirs"`
}

const day = 24 * time.Hour

// Ruleset builds the effective ruleset and validates it.
func (c *Config) Ruleset() (governance.Ruleset, error) {
	g := c.Governance
	r := governance.DefaultRuleset()

	tiers := make([]int, 0, len(g.Tiers))
	for t := range g.Tiers {
		tiers = append(tiers, t)
	}
	sort.Ints(tiers)
	for _, n := range tiers {
		t := governance.Tier(n)
		if !t.Valid() {
			return r, fmt.Errorf("tiers.%d: tier must be in 1..5", n)
		}
		tc := g.Tiers[n]
		rule := r.Tiers[t]
		if tc.Signatures != nil {
			rule.Signatures = *tc.Signatures
		}
		if tc.ReviewDays != nil {
			rule.ReviewDays = *tc.ReviewDays
		}
		if tc.MinLayer > 0 {
			rule.MinLayer = tc.MinLayer
		}
		r.Tiers[t] = rule
	}

	if g.Veto.MiningPct > 0 {
		r.Veto.MiningPct = g.Veto.MiningPct
	}
	if g.Veto.EconomicPct > 0 {
		r.Veto.EconomicPct = g.Veto.EconomicPct
	}
	if g.Veto.MinTier != 0 {
		r.Veto.MinTier = governance.Tier(g.Veto.MinTier)
	}

	em := g.Emergency
	if em.Scope != "" {
		r.EmergencyScope = governance.EmergencyScope(em.Scope)
	}
	if em.MinLayer > 0 {
		r.EmergencyMinLayer = em.MinLayer
	}
	if em.MinEvidenceLength != nil {
		r.MinEvidenceLength = *em.MinEvidenceLength
	}
	r.EmergencyReviewOverride = em.ReviewDaysOverride
	if em.PostMortemGraceDays > 0 {
		r.PostMortemGrace = time.Duration(em.PostMortemGraceDays) * day
	}
	if em.SecurityAuditGraceDays > 0 {
		r.SecurityAuditGrace = time.Duration(em.SecurityAuditGraceDays) * day
	}
	for name, pc := range em.Tiers {
		et, err := governance.ParseEmergencyTier(name)
		if err != nil {
			return r, fmt.Errorf("emergency.tiers.%s: %w", name, err)
		}
		p := r.Emergencies[et]
		if pc.ReviewDays != nil {
			p.ReviewDays = *pc.ReviewDays
		}
		if pc.Activation != nil {
			p.Activation = *pc.Activation
		}
		if pc.MaxDurationDays > 0 {
			p.MaxDuration = time.Duration(pc.MaxDurationDays) * day
		}
		if pc.MaxExtensions != nil {
			p.MaxExtensions = *pc.MaxExtensions
		}
		if pc.ExtensionDays > 0 {
			p.ExtensionDuration = time.Duration(pc.ExtensionDays) * day
		}
		if pc.Extension != nil {
			p.Extension = *pc.Extension
		}
		if pc.SecurityAuditRequired != nil {
			p.SecurityAuditRequired = *pc.SecurityAuditRequired
		}
		r.Emergencies[et] = p
	}
	if g.OverrideMinLayer > 0 {
		r.OverrideMinLayer = g.OverrideMinLayer
	}
	if err := r.Validate(); err != nil {
		return r, err
	}
	return r, nil
}

func (c *Config) ClassifierConfig() governance.ClassifierConfig {
	cc := governance.DefaultClassifierConfig()
	s := c.Governance.Classifier
	if len(s.GovernancePaths) > 0 {
		cc.GovernancePaths = s.GovernancePaths
	}
	if len(s.ConsensusGlobs) > 0 {
		cc.ConsensusGlobs = s.ConsensusGlobs
	}
	if len(s.CodeDirs) > 0 {
		cc.CodeDirs = s.CodeDirs
	}
	return cc
}
