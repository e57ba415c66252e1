package auth

import (
	"context"
	"errors"
)

type ctxKey int

const ctxIdentity ctxKey = iota

var ErrNoIdentity = errors.New("auth: no identity in context")

// Identity is the authenticated caller of a control request.
type Identity struct {
	RepID          string
	OrganizationID string
	Role           string
}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxIdentity, id)
}

func IdentityFrom(ctx context.Context) (Identity, error) {
	id, ok := ctx.Value(ctxIdentity).(Identity)
	if !ok || id.RepID == "" || id.OrganizationID == "" {
		return Identity{}, ErrNoIdentity
	}
	return id, nil
}

func OrganizationID(ctx context.Context) (string, error) {
	id, err := IdentityFrom(ctx)
	return id.OrganizationID, err
}

func Role(ctx context.Context) (string, error) {
	id, err := IdentityFrom(ctx)
	if err == nil && id.Role == "" {
		return "", errors.New("auth: role not in context")
	}
	return id.Role, err
}
