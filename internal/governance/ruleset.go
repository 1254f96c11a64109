package governance

import (
	"errors"
	"fmt"
	"time"
)

type Threshold struct {
	Required int `json:"required" yaml:"required"`
	Total    int `json:"total" yaml:"total"`
}

func (t Threshold) String() string {
	return fmt.Sprintf("%d-of-%d", t.Required, t.Total)
}

func (t Threshold) validate() error {
	if t.Required < 1 || t.Total < 1 || t.Required > t.Total {
		return fmt.Errorf("threshold %s must satisfy 1 <= k <= n", t)
	}
	return nil
}

type TierRule struct {
	Signatures Threshold
	ReviewDays int
	MinLayer   int
}

type VetoRule struct {
	MiningPct   float64
	EconomicPct float64
	MinTier     Tier
}

type EmergencyPolicy struct {
	ReviewDays            int
	Activation            Threshold
	MaxDuration           time.Duration
	MaxExtensions         int
	ExtensionDuration     time.Duration
	Extension             Threshold
	SecurityAuditRequired bool
}

type EmergencyScope string

const (
	ScopeGlobal     EmergencyScope = "global"
	ScopeRepository EmergencyScope = "repository"
)

// Ruleset is the immutable governance configuration for one process run.
type Ruleset struct {
	Tiers                   map[Tier]TierRule
	Veto                    VetoRule
	Emergencies             map[EmergencyTier]EmergencyPolicy
	EmergencyReviewOverride *int
	EmergencyScope          EmergencyScope
	EmergencyMinLayer       int
	MinEvidenceLength       int
	PostMortemGrace         time.Duration
	SecurityAuditGrace      time.Duration
	OverrideMinLayer        int
}

const day = 24 * time.Hour

func DefaultRuleset() Ruleset {
	return Ruleset{
		Tiers: map[Tier]TierRule{
			TierRoutine:           {Signatures: Threshold{3, 5}, ReviewDays: 7, MinLayer: 1},
			TierFeature:           {Signatures: Threshold{4, 5}, ReviewDays: 30, MinLayer: 1},
			TierConsensusAdjacent: {Signatures: Threshold{5, 5}, ReviewDays: 90, MinLayer: 1},
			TierEmergency:         {Signatures: Threshold{4, 7}, ReviewDays: 0, MinLayer: 1},
			TierGovernance:        {Signatures: Threshold{5, 5}, ReviewDays: 180, MinLayer: 1},
		},
		Veto: VetoRule{MiningPct: 30, EconomicPct: 40, MinTier: TierConsensusAdjacent},
		Emergencies: map[EmergencyTier]EmergencyPolicy{
			EmergencyCritical: {
				ReviewDays: 0, Activation: Threshold{4, 7}, MaxDuration: 7 * day,
				MaxExtensions: 0, SecurityAuditRequired: true,
			},
			EmergencyUrgent: {
				ReviewDays: 7, Activation: Threshold{5, 7}, MaxDuration: 30 * day,
				MaxExtensions: 1, ExtensionDuration: 30 * day, Extension: Threshold{6, 7},
			},
			EmergencyElevated: {
				ReviewDays: 30, Activation: Threshold{6, 7}, MaxDuration: 90 * day,
				MaxExtensions: 2, ExtensionDuration: 30 * day, Extension: Threshold{6, 7},
			},
		},
		EmergencyScope:     ScopeGlobal,
		EmergencyMinLayer:  1,
		MinEvidenceLength:  100,
		PostMortemGrace:    30 * day,
		SecurityAuditGrace: 60 * day,
		OverrideMinLayer:   1,
	}
}

func (r Ruleset) Validate() error {
	var errs []error
	for t := TierRoutine; t <= TierGovernance; t++ {
		rule, ok := r.Tiers[t]
		if !ok {
			errs = append(errs, fmt.Errorf("tier %d: rule missing", t))
			continue
		}
		if err := rule.Signatures.validate(); err != nil {
			errs = append(errs, fmt.Errorf("tier %d: %w", t, err))
		}
		if rule.ReviewDays < 0 {
			errs = append(errs, fmt.Errorf("tier %d: review days must be >= 0", t))
		}
	}
	if r.Veto.MiningPct <= 0 || r.Veto.MiningPct > 100 {
		errs = append(errs, errors.New("veto mining threshold must be in (0,100]"))
	}
	if r.Veto.EconomicPct <= 0 || r.Veto.EconomicPct > 100 {
		errs = append(errs, errors.New("veto economic threshold must be in (0,100]"))
	}
	if !r.Veto.MinTier.Valid() {
		errs = append(errs, errors.New("veto min tier must be in 1..5"))
	}
	for et := EmergencyCritical; et <= EmergencyElevated; et++ {
		p, ok := r.Emergencies[et]
		if !ok {
			errs = append(errs, fmt.Errorf("emergency %s: policy missing", et.Slug()))
			continue
		}
		if err := p.Activation.validate(); err != nil {
			errs = append(errs, fmt.Errorf("emergency %s activation: %w", et.Slug(), err))
		}
		if p.MaxDuration <= 0 {
			errs = append(errs, fmt.Errorf("emergency %s: max duration must be > 0", et.Slug()))
		}
		if p.MaxExtensions > 0 {
			if p.ExtensionDuration <= 0 {
				errs = append(errs, fmt.Errorf("emergency %s: extension duration must be > 0", et.Slug()))
			}
			if err := p.Extension.validate(); err != nil {
				errs = append(errs, fmt.Errorf("emergency %s extension: %w", et.Slug(), err))
			}
		}
	}
	if r.EmergencyReviewOverride != nil && *r.EmergencyReviewOverride < 0 {
		errs = append(errs, errors.New("emergency review override must be >= 0"))
	}
	if r.EmergencyScope != ScopeGlobal && r.EmergencyScope != ScopeRepository {
		errs = append(errs, fmt.Errorf("emergency scope must be global or repository, got %q", r.EmergencyScope))
	}
	if r.MinEvidenceLength < 0 {
		errs = append(errs, errors.New("min evidence length must be >= 0"))
	}
	if r.PostMortemGrace <= 0 || r.SecurityAuditGrace <= 0 {
		errs = append(errs, errors.New("post-emergency grace periods must be > 0"))
	}
	return errors.Join(errs...)
}

func (r Ruleset) Rule(t Tier) TierRule {
	return r.Tiers[t]
}

func (r Ruleset) Policy(t EmergencyTier) EmergencyPolicy {
	return r.Emergencies[t]
}

// ScopeKey is the emergency scope a repository belongs to.
func (r Ruleset) ScopeKey(repo string) string {
	if r.EmergencyScope == ScopeRepository {
		return repo
	}
	return string(ScopeGlobal)
}

// RequiredReviewDays returns the review period for a tier, shortened by an
// active emergency. An emergency only ever shortens the period.
func (r Ruleset) RequiredReviewDays(t Tier, emergency *Emergency) int {
	days := r.Rule(t).ReviewDays
	if emergency == nil {
		return days
	}
	return min(days, r.EmergencyReviewDays(emergency.Tier))
}

// EmergencyReviewDays is the review period an emergency of tier t imposes.
func (r Ruleset) EmergencyReviewDays(t EmergencyTier) int {
	if r.EmergencyReviewOverride != nil {
		return *r.EmergencyReviewOverride
	}
	return r.Policy(t).ReviewDays
}
