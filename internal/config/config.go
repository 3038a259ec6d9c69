// Package config defines the process configuration of the entitlement
// service. It is loaded once at startup and treated as read-only after that.
//
// Values are resolved in priority order:
//
//	OS environment -> .env file -> AWS SSM Parameter Store
//
// A missing required value or a malformed one aborts startup.
package config

import (
	"time"

	"creditgate/internal/types"
)

// SecretString is the redacted secret type used for credentials. It is an
// alias so config values can be passed to packages that take
// types.SecretString without conversion.
type SecretString = types.SecretString

// Store drivers accepted by STORE_DRIVER. The memory driver keeps all state
// in process and is meant for local development and tests; deployed
// environments run on postgres.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// Config is the top-level configuration for every process in the module.
// It is populated by Load (the API) or LoadMaintenance (scheduled jobs) and
// treated as read-only afterwards.
//
// Components receive only the sub-struct they need, which keeps their
// constructors honest about what they depend on and lets tests build a
// single sub-struct by hand.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"creditgate"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server        ServerConfig
	Storage       StorageConfig
	Database      DatabaseConfig
	Entitlement   EntitlementConfig
	Billing       BillingConfig
	Auth          AuthConfig
	AWS           AWSConfig
	Observability ObservabilityConfig
	Maintenance   MaintenanceConfig

	// Injected via ldflags, not env.
	Build BuildInfo
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"10s"`
	WriteTimeout    time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"15s"`
	ShutdownTimeout time.Duration `envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"20s"`
	MaxBodyBytes    int64         `envconfig:"HTTP_MAX_BODY_BYTES" default:"1048576" validate:"gt=0"`
}

// StorageConfig selects the store implementation and bounds every call to it.
// The timeout and breaker settings feed entitlement.GuardedStore, which turns
// slow or failing storage into STORAGE_UNAVAILABLE denials instead of
// letting requests hang or fail open.
type StorageConfig struct {
	Driver string `envconfig:"STORE_DRIVER" default:"postgres" validate:"oneof=memory postgres"`
	// Timeout bounds each storage call; an expired call surfaces as
	// STORAGE_UNAVAILABLE.
	Timeout            time.Duration `envconfig:"STORAGE_TIMEOUT" default:"2s" validate:"gt=0"`
	BreakerMaxFailures uint32        `envconfig:"STORAGE_BREAKER_MAX_FAILURES" default:"5" validate:"gt=0"`
	BreakerOpenFor     time.Duration `envconfig:"STORAGE_BREAKER_OPEN_FOR" default:"30s"`
}

// DatabaseConfig holds the Postgres connection and pool tuning. URL is only
// required with the postgres driver; checkDependencies enforces that.
//
// In deployed environments DATABASE_URL is normally supplied through
// DATABASE_URL_SSM_PARAM so the credential never sits in a task definition.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL"`

	MaxConns          int32         `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int32         `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
	AutoMigrate       bool          `envconfig:"DB_AUTO_MIGRATE" default:"true"`
}

// EntitlementConfig holds the engine's policy and period settings. Changing
// PeriodLength on a live deployment moves every account onto new period keys,
// which starts fresh usage counters and makes the next reset run for all
// accounts.
type EntitlementConfig struct {
	// PolicyFile points at a YAML policy set. Empty means compiled-in defaults.
	PolicyFile string `envconfig:"POLICY_FILE"`
	// GracePeriod is how long a lapsed paid subscription stays PAST_DUE.
	GracePeriod time.Duration `envconfig:"BILLING_GRACE_PERIOD" default:"72h" validate:"gte=0"`
	// PeriodLength of zero selects calendar months from the account anchor.
	PeriodLength time.Duration `envconfig:"PERIOD_LENGTH" default:"0s" validate:"gte=0"`
	// DefaultRolloverCap applies to credit accounts without their own cap.
	DefaultRolloverCap int64 `envconfig:"DEFAULT_ROLLOVER_CAP" default:"10" validate:"gte=0"`
}

// BillingConfig holds the Stripe webhook integration. With an empty
// StripeWebhookSecret the webhook route is not mounted at all, since
// unverifiable billing events must never change account state.
type BillingConfig struct {
	StripeWebhookSecret SecretString `envconfig:"STRIPE_WEBHOOK_SECRET"`
	// PriceTiers maps Stripe price IDs to tiers, e.g. "price_basic:BASIC".
	PriceTiers map[string]string `envconfig:"STRIPE_PRICE_TIERS"`
	// AccountMetadataKey names the subscription metadata entry that carries
	// the engine account ID.
	AccountMetadataKey string `envconfig:"STRIPE_ACCOUNT_METADATA_KEY" default:"account_id"`
}

// AuthConfig holds bcrypt hashes of API keys, keyed by a key name.
// Format: "name:hash,name2:hash2".
type AuthConfig struct {
	ServiceKeys map[string]string `envconfig:"SERVICE_API_KEYS"`
	AdminKeys   map[string]string `envconfig:"ADMIN_API_KEYS"`
}

// AWSConfig holds AWS resource identifiers. Empty identifiers disable the
// matching integration: no ledger alerts are queued without
// SQS_LEDGER_ALERTS and the archive task is a no-op without ARCHIVE_BUCKET.
type AWSConfig struct {
	Region        string `envconfig:"AWS_REGION" default:"us-east-1"`
	AlertQueueURL string `envconfig:"SQS_LEDGER_ALERTS" validate:"omitempty,url"`
	ArchiveBucket string `envconfig:"ARCHIVE_BUCKET"`

	// LocalStack support (empty in prod).
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// ObservabilityConfig holds telemetry settings. Metrics go to CloudWatch
// under MetricNamespace when EnableMetrics is set; logging is always on.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"CreditGate"`
	EnableMetrics   bool   `envconfig:"ENABLE_METRICS" default:"false"`
}

// MaintenanceConfig tunes the scheduled jobs in cmd/maintenance.
// Concurrency bounds the accounts processed in parallel within one page of
// PageSize accounts. ArchiveAfter is the minimum age of a usage counter or
// ledger entry before it is exported.
type MaintenanceConfig struct {
	Concurrency      int           `envconfig:"MAINTENANCE_CONCURRENCY" default:"8" validate:"gt=0"`
	PageSize         int           `envconfig:"MAINTENANCE_PAGE_SIZE" default:"200" validate:"gt=0"`
	ArchiveBatchSize int           `envconfig:"ARCHIVE_BATCH_SIZE" default:"1000" validate:"gt=0"`
	ArchiveAfter     time.Duration `envconfig:"ARCHIVE_AFTER" default:"720h"`
}

// BuildInfo holds build-time metadata injected via ldflags. See build.go for
// the linker flags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures so that entry
// points can log a stable reason and tests can assert on it without parsing
// messages.
type ConfigErrorType string

const (
	ErrMissingEnv    ConfigErrorType = "MISSING_ENV"
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	ErrValidation    ConfigErrorType = "VALIDATION_FAILED"
	ErrParsing       ConfigErrorType = "PARSING_FAILED"
)

// StripePriceTiers returns PriceTiers with each value parsed as a tier.
// An unknown tier name is a validation error rather than a silent drop,
// because an unmapped price would leave paying customers on the wrong tier.
func (b BillingConfig) StripePriceTiers() (map[string]types.Tier, error) {
	out := make(map[string]types.Tier, len(b.PriceTiers))
	for price, raw := range b.PriceTiers {
		tier := types.Tier(raw)
		if !tier.Valid() {
			return nil, &ConfigError{
				Type:    ErrValidation,
				Message: "STRIPE_PRICE_TIERS maps " + price + " to unknown tier " + raw,
			}
		}
		out[price] = tier
	}
	return out, nil
}
