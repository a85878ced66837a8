package auth

import "context"

type claimsKey struct{}

// WithClaims stores claims on the context.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// FromContext retrieves claims stored by WithClaims.
func FromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok && claims != nil
}

// AccountID returns the account the request is scoped to, or "" when unauthenticated.
func AccountID(ctx context.Context) string {
	if claims, ok := FromContext(ctx); ok {
		return claims.AccountID
	}
	return ""
}
