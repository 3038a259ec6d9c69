package types

// Role identifies the kind of user an account belongs to. Role gates are
// independent of the subscription tier and both are always checked.
type Role string

const (
	RoleAdmin     Role = "ADMIN"
	RoleProfessor Role = "PROFESSOR"
	RoleStudent   Role = "STUDENT"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleProfessor, RoleStudent:
		return true
	}
	return false
}

// Tier identifies the subscription plan that selects the FeaturePolicy set.
type Tier string

const (
	TierFree       Tier = "FREE"
	TierBasic      Tier = "BASIC"
	TierPremium    Tier = "PREMIUM"
	TierEnterprise Tier = "ENTERPRISE"
)

// AllTiers lists every tier in upgrade order.
var AllTiers = []Tier{TierFree, TierBasic, TierPremium, TierEnterprise}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierBasic, TierPremium, TierEnterprise:
		return true
	}
	return false
}

// OwnerType identifies the billing subject that pays for an account.
type OwnerType string

const (
	OwnerUser         OwnerType = "USER"
	OwnerOrganization OwnerType = "ORGANIZATION"
)

// Feature is a gated capability. Features are open-ended strings so new
// capabilities can be introduced through the policy file alone.
type Feature string

const (
	FeatureAIGrading          Feature = "AI_GRADING"
	FeatureAIGradingRead      Feature = "AI_GRADING_READ"
	FeatureAIFeedback         Feature = "AI_FEEDBACK"
	FeatureBulkOperations     Feature = "BULK_OPERATIONS"
	FeatureCourseCreation     Feature = "COURSE_CREATION"
	FeatureDiscussionCreation Feature = "DISCUSSION_CREATION"
	FeatureAnalytics          Feature = "ANALYTICS"
	FeatureLMSImport          Feature = "LMS_IMPORT"
)

// SubscriptionStatus is the point-in-time lifecycle state of an account.
type SubscriptionStatus string

const (
	SubStatusTrialing SubscriptionStatus = "TRIALING"
	SubStatusActive   SubscriptionStatus = "ACTIVE"
	SubStatusPastDue  SubscriptionStatus = "PAST_DUE"
	SubStatusExpired  SubscriptionStatus = "EXPIRED"
	SubStatusCanceled SubscriptionStatus = "CANCELED"
)

// DenialReason explains why a Decision was not allowed. The empty value
// means the decision was allowed.
type DenialReason string

const (
	ReasonNone                     DenialReason = ""
	ReasonRoleRestricted           DenialReason = "ROLE_RESTRICTED"
	ReasonSubscriptionInactive     DenialReason = "SUBSCRIPTION_INACTIVE"
	ReasonFeatureNotInTier         DenialReason = "FEATURE_NOT_IN_TIER"
	ReasonUsageLimitReached        DenialReason = "USAGE_LIMIT_REACHED"
	ReasonInsufficientCredits      DenialReason = "INSUFFICIENT_CREDITS"
	ReasonStorageUnavailable       DenialReason = "STORAGE_UNAVAILABLE"
	ReasonInvalidIdempotencyReplay DenialReason = "INVALID_IDEMPOTENCY_REPLAY"
	ReasonLedgerHalted             DenialReason = "LEDGER_HALTED"
)

// TransactionReason tags a CreditTransaction. Feature debits use the feature
// name as their reason; the constants below cover the non-feature cases.
type TransactionReason string

const (
	TxReasonMonthlyReset     TransactionReason = "MONTHLY_RESET"
	TxReasonManualAdjustment TransactionReason = "MANUAL_ADJUSTMENT"
	TxReasonRefund           TransactionReason = "REFUND"
	TxReasonInitialGrant     TransactionReason = "INITIAL_GRANT"
)

// FeatureReason returns the transaction reason used for a feature debit.
func FeatureReason(f Feature) TransactionReason {
	return TransactionReason(f)
}
