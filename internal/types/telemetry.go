package types

// Telemetry metric names for CloudWatch.
// All components MUST use these constants.
const (
	// Metric Names
	MetricEntitlementDecision = "EntitlementDecision"
	MetricEntitlementCommit   = "EntitlementCommit"
	MetricCreditsDebited      = "CreditsDebited"
	MetricLedgerInconsistency = "LedgerInconsistency"
	MetricStorageUnavailable  = "StorageUnavailable"
	MetricMaintenanceItems    = "MaintenanceItems"
	MetricMaintenanceFailures = "MaintenanceFailures"
	MetricRequestCount        = "RequestCount"
	MetricRequestLatency      = "RequestLatency"

	// Dimension Keys
	DimFeature  = "Feature"
	DimReason   = "Reason"
	DimTier     = "Tier"
	DimTaskType = "TaskType"
	DimMethod   = "Method"
	DimRoute    = "Route"
	DimStatus   = "Status"

	// Metric Namespace
	MetricNamespace = "CreditGate"
)
