package billing

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"creditgate/internal/types"
)

// policyFile is the on-disk layout of a versioned policy document.
type policyFile struct {
	Version         string                                      `yaml:"version"`
	StudentFeatures []types.Feature                             `yaml:"student_features"`
	Credits         map[types.Tier]CreditPlan                   `yaml:"credits"`
	Tiers           map[types.Tier]map[types.Feature]policyItem `yaml:"tiers"`
}

// policyItem mirrors FeaturePolicy but keeps usage_limit nullable so that an
// omitted or null limit reads as unlimited.
type policyItem struct {
	Enabled     bool   `yaml:"enabled"`
	UsageLimit  *int   `yaml:"usage_limit"`
	CreditCost  int64  `yaml:"credit_cost"`
	UpgradeHint string `yaml:"upgrade_hint"`
}

// LoadPolicyFile reads and validates a policy document from path.
func LoadPolicyFile(path string) (*PolicySet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file %s: %w", path, err)
	}
	set, err := ParsePolicy(raw)
	if err != nil {
		return nil, fmt.Errorf("policy file %s: %w", path, err)
	}
	return set, nil
}

// ParsePolicy decodes a YAML policy document. Unknown keys are rejected so a
// typo cannot silently disable a gate.
func ParsePolicy(raw []byte) (*PolicySet, error) {
	var doc policyFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode policy: %w", err)
	}

	set := &PolicySet{
		Version:         doc.Version,
		StudentFeatures: doc.StudentFeatures,
		Credits:         doc.Credits,
		Policies:        make(map[types.Tier]map[types.Feature]types.FeaturePolicy, len(doc.Tiers)),
	}
	for tier, features := range doc.Tiers {
		m := make(map[types.Feature]types.FeaturePolicy, len(features))
		for feature, item := range features {
			limit := types.Unlimited
			if item.UsageLimit != nil {
				limit = *item.UsageLimit
			}
			p := types.FeaturePolicy{
				Enabled:     item.Enabled,
				UsageLimit:  limit,
				CreditCost:  item.CreditCost,
				UpgradeHint: item.UpgradeHint,
			}
			if !p.Enabled {
				p.UsageLimit = 0
				p.CreditCost = types.DeniedCost
			}
			m[feature] = p
		}
		set.Policies[tier] = m
	}

	if err := set.Validate(); err != nil {
		return nil, err
	}
	return set, nil
}
