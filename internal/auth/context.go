// ABOUTME: Authenticated identity and scope checks carried through request contexts
// ABOUTME: Provides WithIdentity/FromContext for propagating auth info via context

package auth

import (
	"context"
	"slices"
)

// Scopes granted to identities.
const (
	ScopeTasksRead  = "tasks:read"
	ScopeTasksWrite = "tasks:write"
	ScopeAdmin      = "admin"
)

// AllScopes lists every scope the runtime checks.
var AllScopes = []string{ScopeTasksRead, ScopeTasksWrite, ScopeAdmin}

// AnonymousSubject names the identity used when no validator is configured.
const AnonymousSubject = "anonymous"

// Identity is the result of a successful credential validation.
type Identity struct {
	Subject string   `json:"subject"`
	Scopes  []string `json:"scopes"`
}

// Anonymous returns an identity holding every scope.
func Anonymous() *Identity {
	return &Identity{Subject: AnonymousSubject, Scopes: slices.Clone(AllScopes)}
}

// HasScope reports whether the identity was granted scope. Admin implies
// every other scope.
func (i *Identity) HasScope(scope string) bool {
	if i == nil {
		return false
	}
	for _, s := range i.Scopes {
		if s == scope || s == ScopeAdmin {
			return true
		}
	}
	return false
}

type identityKey struct{}

// WithIdentity returns a new context with the identity attached.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext retrieves the identity from the context, returning nil if not present.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}
