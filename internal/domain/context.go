package domain

import "context"

type principalKey struct{}

// WithPrincipal stores the authenticated caller name in the context.
// Commits record it so that history shows who made each change.
func WithPrincipal(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, principalKey{}, name)
}

// PrincipalFromContext extracts the caller name, or "" when unauthenticated.
func PrincipalFromContext(ctx context.Context) string {
	name, _ := ctx.Value(principalKey{}).(string)
	return name
}
