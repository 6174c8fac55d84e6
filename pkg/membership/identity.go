package membership

import "context"

// Identity is the resolved caller as reported by the external auth provider
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	// Token is passed through to admin-level provider calls such as forced sign-out
	Token string `json:"-"`
}

type identityKey struct{}

// WithIdentity stores the resolved identity on the context
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity stored by WithIdentity, or nil
func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}

// UserIDFromContext returns the identity's user id, or an empty string
func UserIDFromContext(ctx context.Context) string {
	if id := IdentityFromContext(ctx); id != nil {
		return id.ID
	}
	return ""
}
