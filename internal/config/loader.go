package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError is returned by Load and LoadMaintenance for every
// configuration failure. Type gives a stable category for logs and tests;
// Err carries the underlying envconfig, validator or SSM error when there
// is one.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

// Error formats the error as "[TYPE] message: cause".
func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap exposes the underlying cause to errors.Is and errors.As.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ssmParamSuffix marks pointer variables: DATABASE_URL_SSM_PARAM holds the
// SSM path whose value becomes DATABASE_URL.
const ssmParamSuffix = "_SSM_PARAM"

// localEnv skips SSM resolution entirely.
const localEnv = "local"

// ssmResolveTimeout bounds the whole SSM step at startup.
const ssmResolveTimeout = 30 * time.Second

// env abstracts process environment access so tests need not mutate it.
type env struct {
	lookup  func(key string) (string, bool)
	set     func(key, value string) error
	environ func() []string
}

func osEnv() env {
	return env{lookup: os.LookupEnv, set: os.Setenv, environ: os.Environ}
}

// Load reads, resolves and validates the configuration of the API process.
//
// Resolution order:
//  1. Variables already in the process environment.
//  2. A .env file in the working directory, for keys not already set.
//  3. *_SSM_PARAM pointers resolved through provider, unless APP_ENV=local.
//
// provider may be nil when APP_ENV is local or no _SSM_PARAM variables are
// present. Any failure is returned as a *ConfigError and should abort
// startup.
func Load(provider SecretProvider) (*Config, error) {
	return load(provider, osEnv(), true)
}

// LoadMaintenance is Load for the maintenance process. It serves no HTTP
// traffic, so the rule that at least one API key is configured does not
// apply; every other validation does.
func LoadMaintenance(provider SecretProvider) (*Config, error) {
	return load(provider, osEnv(), false)
}

func load(provider SecretProvider, e env, requireKeys bool) (*Config, error) {
	// Period keys and lifecycle boundaries are computed in UTC.
	time.Local = time.UTC

	// Missing .env is fine; existing variables are not overridden.
	_ = godotenv.Load()

	if appEnv, _ := e.lookup("APP_ENV"); appEnv != localEnv {
		if err := resolveSSMParams(provider, e); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{Type: ErrParsing, Message: "failed to process environment configuration", Err: err}
	}
	cfg.Build = NewBuildInfo()

	if err := validator.New().Struct(cfg); err != nil {
		return nil, &ConfigError{Type: ErrValidation, Message: "configuration validation failed", Err: err}
	}
	if err := cfg.checkDependencies(requireKeys); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// checkDependencies enforces rules that span sub-structs and therefore cannot
// be expressed as validator tags on a single field.
func (c *Config) checkDependencies(requireKeys bool) error {
	if c.Storage.Driver == DriverPostgres && c.Database.URL == "" {
		return &ConfigError{Type: ErrMissingEnv, Message: "DATABASE_URL is required when STORE_DRIVER=postgres"}
	}
	if c.Environment != localEnv && c.Storage.Driver == DriverMemory {
		return &ConfigError{Type: ErrValidation, Message: "STORE_DRIVER=memory is only allowed with APP_ENV=local"}
	}
	if requireKeys && len(c.Auth.ServiceKeys) == 0 && len(c.Auth.AdminKeys) == 0 {
		return &ConfigError{Type: ErrMissingEnv, Message: "at least one of SERVICE_API_KEYS or ADMIN_API_KEYS is required"}
	}
	if len(c.Billing.PriceTiers) > 0 && c.Billing.StripeWebhookSecret == "" {
		return &ConfigError{Type: ErrMissingEnv, Message: "STRIPE_WEBHOOK_SECRET is required when STRIPE_PRICE_TIERS is set"}
	}
	if _, err := c.Billing.StripePriceTiers(); err != nil {
		return err
	}
	return nil
}

// resolveSSMParams fetches every *_SSM_PARAM target that is not already set
// and exports the values into the environment for envconfig to read.
func resolveSSMParams(provider SecretProvider, e env) error {
	pathToTarget := make(map[string]string)
	var paths []string

	for _, entry := range e.environ() {
		key, path, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasSuffix(key, ssmParamSuffix) || path == "" {
			continue
		}
		target := strings.TrimSuffix(key, ssmParamSuffix)
		if _, set := e.lookup(target); set {
			continue
		}
		if _, dup := pathToTarget[path]; !dup {
			paths = append(paths, path)
		}
		pathToTarget[path] = target
	}
	if len(paths) == 0 {
		return nil
	}

	if provider == nil {
		targets := make([]string, 0, len(paths))
		for _, p := range paths {
			targets = append(targets, pathToTarget[p])
		}
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: "SecretProvider is required to resolve " + strings.Join(targets, ", "),
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), ssmResolveTimeout)
	defer cancel()

	resolved, err := provider.GetParametersBatch(ctx, paths)
	if err != nil {
		return &ConfigError{Type: ErrSSMResolution, Message: fmt.Sprintf("failed to resolve %d SSM parameters", len(paths)), Err: err}
	}

	var missing []string
	for _, p := range paths {
		value, ok := resolved[p]
		if !ok {
			missing = append(missing, pathToTarget[p])
			continue
		}
		if err := e.set(pathToTarget[p], value); err != nil {
			return &ConfigError{Type: ErrSSMResolution, Message: "failed to export " + pathToTarget[p], Err: err}
		}
	}
	if len(missing) > 0 {
		return &ConfigError{Type: ErrSSMResolution, Message: "SSM parameters not found for: " + strings.Join(missing, ", ")}
	}
	return nil
}
