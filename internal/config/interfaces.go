package config

import "context"

// SecretProvider resolves secret values by path. Load calls it once at
// startup for every *_SSM_PARAM pointer variable that has no direct value.
//
// SSMProvider backs it in deployed environments and EnvVarProvider in
// docker-compose development; tests substitute a map-backed fake.
type SecretProvider interface {
	// GetParametersBatch returns path -> plaintext for every path it could
	// resolve. Missing paths are omitted rather than reported as errors.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
