package access

import (
	"context"

	"github.com/darshan-rambhia/petrowatch/internal/model"
)

type identityKey struct{}

// WithIdentity returns a context carrying the verified caller.
func WithIdentity(ctx context.Context, id model.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the caller stored by WithIdentity.
func IdentityFrom(ctx context.Context) (model.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(model.Identity)
	return id, ok
}
