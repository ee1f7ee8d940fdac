// Package auth resolves API keys to the principals allowed to call the
// order endpoints.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"slices"

	"github.com/go-faster/errors"
)

// ScopeAdmin grants administrator operations such as force refunds.
const ScopeAdmin = "admin"

// ErrNotFound is returned when no active key matches a hash.
var ErrNotFound = errors.New("api key not found")

// APIKey is a stored API key. Only the HMAC of the key is persisted.
type APIKey struct {
	ID      string
	KeyHash string
	UserID  string
	Name    string
	Scopes  []string
}

// Principal is the authenticated caller.
type Principal struct {
	KeyID  string
	UserID string
	Scopes []string
}

// IsAdmin reports whether the principal holds the admin scope.
func (p Principal) IsAdmin() bool {
	return slices.Contains(p.Scopes, ScopeAdmin)
}

// Repository provides lookup of active API keys by their HMAC hash.
type Repository interface {
	FindByHash(ctx context.Context, hash string) (*APIKey, error)
}

// HashKey returns the hex HMAC-SHA256 of key under pepper.
func HashKey(pepper []byte, key string) string {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}

type principalKey struct{}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal stored by WithPrincipal.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
