package billing

import "creditgate/internal/types"

// DefaultPolicyVersion identifies the compiled-in policy table.
const DefaultPolicyVersion = "builtin-2025-03"

func ptr[T any](v T) *T { return &v }

func enabled(limit int, cost int64) types.FeaturePolicy {
	return types.FeaturePolicy{Enabled: true, UsageLimit: limit, CreditCost: cost}
}

func disabled(hint string) types.FeaturePolicy {
	return types.FeaturePolicy{Enabled: false, UsageLimit: 0, CreditCost: types.DeniedCost, UpgradeHint: hint}
}

func withHint(p types.FeaturePolicy, hint string) types.FeaturePolicy {
	p.UpgradeHint = hint
	return p
}

// DefaultPolicySet returns the policy table used when no policy file is
// configured. Each call returns a fresh copy.
func DefaultPolicySet() *PolicySet {
	const u = types.Unlimited

	return &PolicySet{
		Version: DefaultPolicyVersion,
		StudentFeatures: []types.Feature{
			types.FeatureAIGradingRead,
			types.FeatureAIFeedback,
		},
		Credits: map[types.Tier]CreditPlan{
			types.TierFree:       {MonthlyAllotment: 5, RolloverCap: ptr[int64](0)},
			types.TierBasic:      {MonthlyAllotment: 50},
			types.TierPremium:    {MonthlyAllotment: 500},
			types.TierEnterprise: {MonthlyAllotment: 5000},
		},
		Policies: map[types.Tier]map[types.Feature]types.FeaturePolicy{
			types.TierFree: {
				types.FeatureAIGrading:          withHint(enabled(10, 1), "Upgrade to BASIC for 100 AI gradings per month"),
				types.FeatureAIGradingRead:      enabled(u, 0),
				types.FeatureAIFeedback:         withHint(enabled(5, 1), "Upgrade to BASIC for more AI feedback"),
				types.FeatureCourseCreation:     withHint(enabled(3, 0), "Upgrade to BASIC to create up to 20 courses"),
				types.FeatureDiscussionCreation: enabled(10, 0),
				types.FeatureAnalytics:          disabled("Analytics are available from the BASIC plan"),
				types.FeatureBulkOperations:     disabled("Bulk operations are available from the PREMIUM plan"),
				types.FeatureLMSImport:          disabled("LMS import is available from the BASIC plan"),
			},
			types.TierBasic: {
				types.FeatureAIGrading:          withHint(enabled(100, 1), "Upgrade to PREMIUM for 1000 AI gradings per month"),
				types.FeatureAIGradingRead:      enabled(u, 0),
				types.FeatureAIFeedback:         enabled(50, 1),
				types.FeatureCourseCreation:     enabled(20, 0),
				types.FeatureDiscussionCreation: enabled(u, 0),
				types.FeatureAnalytics:          enabled(u, 0),
				types.FeatureBulkOperations:     disabled("Bulk operations are available from the PREMIUM plan"),
				types.FeatureLMSImport:          enabled(5, 2),
			},
			types.TierPremium: {
				types.FeatureAIGrading:          enabled(1000, 1),
				types.FeatureAIGradingRead:      enabled(u, 0),
				types.FeatureAIFeedback:         enabled(500, 1),
				types.FeatureCourseCreation:     enabled(u, 0),
				types.FeatureDiscussionCreation: enabled(u, 0),
				types.FeatureAnalytics:          enabled(u, 0),
				types.FeatureBulkOperations:     enabled(50, 5),
				types.FeatureLMSImport:          enabled(50, 2),
			},
			types.TierEnterprise: {
				types.FeatureAIGrading:          enabled(u, 1),
				types.FeatureAIGradingRead:      enabled(u, 0),
				types.FeatureAIFeedback:         enabled(u, 1),
				types.FeatureCourseCreation:     enabled(u, 0),
				types.FeatureDiscussionCreation: enabled(u, 0),
				types.FeatureAnalytics:          enabled(u, 0),
				types.FeatureBulkOperations:     enabled(u, 5),
				types.FeatureLMSImport:          enabled(u, 2),
			},
		},
	}
}
