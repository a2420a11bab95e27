package authapi

import (
	"context"

	"ember/cmd/internal/auth/session"
)

type contextKey struct{ name string }

var claimsKey = contextKey{"auth.claims"}

// ContextWithClaims attaches validated access claims to a request context.
func ContextWithClaims(ctx context.Context, claims session.Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// ClaimsFromContext retrieves claims attached by RequireAuth.
func ClaimsFromContext(ctx context.Context) (session.Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(session.Claims)
	return claims, ok
}
