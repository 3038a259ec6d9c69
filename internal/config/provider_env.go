package config

import (
	"context"
	"os"
)

// EnvVarProvider implements SecretProvider by treating each path as the name
// of an environment variable. It lets APP_ENV=dev run against a
// docker-compose stack (Postgres plus a local SQS/S3 emulator) without
// provisioning SSM parameters.
//
// Paths that are not set are omitted from the result, matching the
// SecretProvider contract.
type EnvVarProvider struct{}

// NewEnvVarProvider creates an EnvVarProvider.
func NewEnvVarProvider() *EnvVarProvider {
	return &EnvVarProvider{}
}

// GetParametersBatch returns the value of every key present in the process
// environment. It never fails.
func (EnvVarProvider) GetParametersBatch(_ context.Context, keys []string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := os.LookupEnv(k); ok {
			out[k] = v
		}
	}
	return out, nil
}
