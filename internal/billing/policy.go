// Package billing holds the static side of entitlement: the per-tier feature
// policy table, subscription lifecycle derivation and usage period math.
package billing

import (
	"fmt"
	"maps"
	"slices"
	"sync/atomic"

	"creditgate/internal/types"
)

// PolicyRegistry resolves the FeaturePolicy for a (tier, feature) pair.
//
// Lookups never fail: a missing entry resolves to a disabled policy with an
// unpayable cost so that an incomplete configuration fails closed.
type PolicyRegistry interface {
	Lookup(tier types.Tier, feature types.Feature) types.FeaturePolicy
	// StudentVisible reports whether STUDENT accounts may consume feature.
	StudentVisible(feature types.Feature) bool
	// CreditPlan returns the monthly credit allotment for a tier.
	CreditPlan(tier types.Tier) CreditPlan
	// Features lists every feature named anywhere in the active set.
	Features() []types.Feature
	Version() string
}

// CreditPlan is the per-tier credit grant applied at each monthly reset.
// A nil RolloverCap defers to the engine-wide default.
type CreditPlan struct {
	MonthlyAllotment int64  `yaml:"monthly_allotment"`
	RolloverCap      *int64 `yaml:"rollover_cap"`
}

// PolicySet is one complete, versioned policy table. A set is immutable
// once handed to a Registry.
type PolicySet struct {
	Version         string
	StudentFeatures []types.Feature
	Credits         map[types.Tier]CreditPlan
	Policies        map[types.Tier]map[types.Feature]types.FeaturePolicy
}

// Validate checks the set for values the evaluator cannot act on.
func (s *PolicySet) Validate() error {
	if s == nil {
		return fmt.Errorf("policy set is nil")
	}
	if s.Version == "" {
		return fmt.Errorf("policy set has no version")
	}
	for tier, features := range s.Policies {
		if !tier.Valid() {
			return fmt.Errorf("unknown tier %q", tier)
		}
		for feature, p := range features {
			if feature == "" {
				return fmt.Errorf("tier %s: empty feature name", tier)
			}
			if p.CreditCost < 0 {
				return fmt.Errorf("tier %s feature %s: negative credit cost %d", tier, feature, p.CreditCost)
			}
			if p.UsageLimit < types.Unlimited {
				return fmt.Errorf("tier %s feature %s: invalid usage limit %d", tier, feature, p.UsageLimit)
			}
		}
	}
	for tier, plan := range s.Credits {
		if !tier.Valid() {
			return fmt.Errorf("unknown tier %q in credits", tier)
		}
		if plan.MonthlyAllotment < 0 {
			return fmt.Errorf("tier %s: negative monthly allotment", tier)
		}
		if plan.RolloverCap != nil && *plan.RolloverCap < 0 {
			return fmt.Errorf("tier %s: negative rollover cap", tier)
		}
	}
	return nil
}

// clone deep-copies the set so callers cannot mutate a published table.
func (s *PolicySet) clone() *PolicySet {
	out := &PolicySet{
		Version:         s.Version,
		StudentFeatures: slices.Clone(s.StudentFeatures),
		Credits:         maps.Clone(s.Credits),
		Policies:        make(map[types.Tier]map[types.Feature]types.FeaturePolicy, len(s.Policies)),
	}
	for tier, features := range s.Policies {
		out.Policies[tier] = maps.Clone(features)
	}
	return out
}

// deniedPolicy is returned for any pair missing from the active set.
var deniedPolicy = types.FeaturePolicy{
	Enabled:    false,
	UsageLimit: 0,
	CreditCost: types.DeniedCost,
}

// published is the read-optimized form of a PolicySet.
type published struct {
	set      *PolicySet
	students map[types.Feature]struct{}
	features []types.Feature
}

// Registry is the standard PolicyRegistry. The active table is held behind
// an atomic pointer and replaced wholesale, so a concurrent Lookup observes
// either the old table or the new one, never a mix.
type Registry struct {
	current atomic.Pointer[published]
}

// NewRegistry validates set and returns a Registry serving it.
func NewRegistry(set *PolicySet) (*Registry, error) {
	r := &Registry{}
	if err := r.Replace(set); err != nil {
		return nil, err
	}
	return r, nil
}

// NewDefaultRegistry returns a Registry backed by the compiled-in defaults.
func NewDefaultRegistry() *Registry {
	r, err := NewRegistry(DefaultPolicySet())
	if err != nil {
		panic(fmt.Sprintf("billing: default policy set is invalid: %v", err))
	}
	return r
}

// Replace swaps in a new policy set. The set is validated and copied first;
// on error the active table is left untouched.
func (r *Registry) Replace(set *PolicySet) error {
	if err := set.Validate(); err != nil {
		return types.NewAppError(types.ErrCodeValidationInvalidPolicy, err.Error(), err)
	}
	own := set.clone()

	p := &published{
		set:      own,
		students: make(map[types.Feature]struct{}, len(own.StudentFeatures)),
	}
	for _, f := range own.StudentFeatures {
		p.students[f] = struct{}{}
	}
	seen := make(map[types.Feature]struct{})
	for _, features := range own.Policies {
		for f := range features {
			seen[f] = struct{}{}
		}
	}
	p.features = slices.Sorted(maps.Keys(seen))

	r.current.Store(p)
	return nil
}

// Lookup implements PolicyRegistry.
func (r *Registry) Lookup(tier types.Tier, feature types.Feature) types.FeaturePolicy {
	p := r.current.Load()
	if p == nil {
		return deniedPolicy
	}
	if policy, ok := p.set.Policies[tier][feature]; ok {
		return policy
	}
	return deniedPolicy
}

// StudentVisible implements PolicyRegistry.
func (r *Registry) StudentVisible(feature types.Feature) bool {
	p := r.current.Load()
	if p == nil {
		return false
	}
	_, ok := p.students[feature]
	return ok
}

// CreditPlan implements PolicyRegistry. Unknown tiers get no allotment.
func (r *Registry) CreditPlan(tier types.Tier) CreditPlan {
	p := r.current.Load()
	if p == nil {
		return CreditPlan{}
	}
	return p.set.Credits[tier]
}

// Features implements PolicyRegistry.
func (r *Registry) Features() []types.Feature {
	p := r.current.Load()
	if p == nil {
		return nil
	}
	return slices.Clone(p.features)
}

// Version implements PolicyRegistry.
func (r *Registry) Version() string {
	p := r.current.Load()
	if p == nil {
		return ""
	}
	return p.set.Version
}
