package auth

import (
	"context"
)

type contextKey string

// ContextKeyClaims is the context key for the authenticated operator's claims
const ContextKeyClaims contextKey = "operator_claims"

// WithClaims adds the operator claims to the context
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, ContextKeyClaims, claims)
}

// ClaimsFromContext retrieves the operator claims from the context
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(ContextKeyClaims).(*Claims)
	return c, ok
}

// OperatorFromContext returns the authenticated operator, or "anonymous"
// when the API runs without authentication.
func OperatorFromContext(ctx context.Context) string {
	if c, ok := ClaimsFromContext(ctx); ok {
		return c.Subject
	}
	return "anonymous"
}
