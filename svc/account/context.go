package account

import (
	"context"

	"github.com/dmitrymomot/mediagate/store"
)

type userContextKey struct{}

// WithUser stores the signed-in user for handlers further down the chain.
func WithUser(ctx context.Context, u store.User) context.Context {
	return context.WithValue(ctx, userContextKey{}, u)
}

// UserFromContext returns the user stored by WithUser.
func UserFromContext(ctx context.Context) (store.User, bool) {
	u, ok := ctx.Value(userContextKey{}).(store.User)
	return u, ok
}
