// Package auth resolves API keys presented by callers of the entitlement
// API. Keys are configured as bcrypt hashes; plaintext keys never reach
// configuration or logs.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"creditgate/internal/types"
)

// KeyCost is the bcrypt cost used by GenerateKey.
const KeyCost = 12

// keySeparator splits a presented key into its name and secret.
const keySeparator = "."

// PasswordHasher abstracts bcrypt for tests.
type PasswordHasher interface {
	CompareHashAndPassword(hashed, plaintext string) error
	GenerateFromPassword(plaintext string) (string, error)
}

type bcryptHasher struct{ cost int }

func (b bcryptHasher) CompareHashAndPassword(hashed, plaintext string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(plaintext))
}

func (b bcryptHasher) GenerateFromPassword(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), b.cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// BcryptHasher returns the production hasher.
func BcryptHasher() PasswordHasher {
	return bcryptHasher{cost: KeyCost}
}

// HashToken returns the hex SHA-256 of a token. It keys the verified-token
// cache so plaintext keys are not held in memory.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

type keyEntry struct {
	hash   string
	scopes []types.Scope
}

// KeyAuthenticator resolves "<name>.<secret>" bearer tokens against a fixed
// set of named bcrypt hashes. A successful bcrypt comparison is cached by
// token hash so only the first request per key pays the bcrypt cost.
type KeyAuthenticator struct {
	keys   map[string]keyEntry
	hasher PasswordHasher
	logger *slog.Logger

	verified sync.Map // HashToken(token) -> types.Actor
}

// NewKeyAuthenticator builds an authenticator from service and admin key
// maps (name -> bcrypt hash). A name present in both is an error.
func NewKeyAuthenticator(serviceKeys, adminKeys map[string]string, hasher PasswordHasher, logger *slog.Logger) (*KeyAuthenticator, error) {
	if hasher == nil {
		hasher = BcryptHasher()
	}
	if logger == nil {
		logger = slog.Default()
	}
	keys := make(map[string]keyEntry, len(serviceKeys)+len(adminKeys))
	for name, hash := range serviceKeys {
		keys[name] = keyEntry{hash: hash, scopes: []types.Scope{types.ScopeService}}
	}
	for name, hash := range adminKeys {
		if _, dup := keys[name]; dup {
			return nil, fmt.Errorf("api key name %q configured as both service and admin", name)
		}
		keys[name] = keyEntry{hash: hash, scopes: []types.Scope{types.ScopeAdmin}}
	}
	return &KeyAuthenticator{keys: keys, hasher: hasher, logger: logger}, nil
}

// Names lists the configured key names, sorted.
func (a *KeyAuthenticator) Names() []string {
	names := make([]string, 0, len(a.keys))
	for n := range a.keys {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ResolveToken returns the Actor for a presented key.
func (a *KeyAuthenticator) ResolveToken(ctx context.Context, token string) (*types.Actor, error) {
	digest := HashToken(token)
	if cached, ok := a.verified.Load(digest); ok {
		actor := cached.(types.Actor)
		return &actor, nil
	}

	name, secret, ok := strings.Cut(token, keySeparator)
	if !ok || name == "" || secret == "" {
		return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "malformed API key", nil)
	}
	entry, ok := a.keys[name]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "unknown API key", nil)
	}
	if err := a.hasher.CompareHashAndPassword(entry.hash, token); err != nil {
		a.logger.WarnContext(ctx, "api key rejected", "key_name", name)
		return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid API key", err)
	}

	actor := types.Actor{KeyID: digest[:12], Name: name, Scopes: entry.scopes}
	a.verified.Store(digest, actor)
	return &actor, nil
}

// GenerateKey creates a new plaintext key for name and its bcrypt hash. The
// hash goes into SERVICE_API_KEYS or ADMIN_API_KEYS; the plaintext is
// handed to the caller once.
func GenerateKey(name string, secret string, hasher PasswordHasher) (plaintext, hash string, err error) {
	if name == "" || strings.Contains(name, keySeparator) || strings.ContainsAny(name, ",:") {
		return "", "", fmt.Errorf("invalid key name %q", name)
	}
	if hasher == nil {
		hasher = BcryptHasher()
	}
	plaintext = name + keySeparator + secret
	// bcrypt ignores input past 72 bytes.
	if len(plaintext) > 72 {
		return "", "", fmt.Errorf("key for %q exceeds 72 bytes", name)
	}
	hash, err = hasher.GenerateFromPassword(plaintext)
	if err != nil {
		return "", "", fmt.Errorf("hash key: %w", err)
	}
	return plaintext, hash, nil
}
