package auth

import "context"

type contextKey struct{}

// WithUser attaches the user context to a request context.
func WithUser(ctx context.Context, user *UserContext) context.Context {
	return context.WithValue(ctx, contextKey{}, user)
}

// UserFromContext extracts the user context, if any.
func UserFromContext(ctx context.Context) (*UserContext, bool) {
	user, ok := ctx.Value(contextKey{}).(*UserContext)
	return user, ok
}
