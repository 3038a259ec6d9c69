package types

import (
	"context"
	"slices"
)

// Scope is a permission granted to an authenticated caller.
type Scope string

const (
	// ScopeService lets feature-performing modules evaluate and commit.
	ScopeService Scope = "service"
	// ScopeAdmin lets owner tooling grant credits, override tiers and
	// trigger reconciliation.
	ScopeAdmin Scope = "admin"
)

// Actor represents the authenticated caller performing an operation.
type Actor struct {
	KeyID  string
	Name   string
	Scopes []Scope
}

// HasScope reports whether the actor was granted scope. Admin implies
// every other scope.
func (a Actor) HasScope(scope Scope) bool {
	return slices.Contains(a.Scopes, ScopeAdmin) || slices.Contains(a.Scopes, scope)
}

// Context Keys
type contextKey string

const (
	actorKey     contextKey = "actor"
	requestIDKey contextKey = "request_id"
)

// WithActor stores the Actor in the context.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// GetActor retrieves the Actor from the context.
func GetActor(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorKey).(Actor)
	return actor, ok
}

// WithRequestID stores the request ID in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
