package auth

import (
	"context"
	"errors"

	"github.com/spendguard/spendguard/pkg/address"
)

type contextKey string

const callerKey contextKey = "caller"

// WithCaller attaches the authenticated caller identity to the context.
func WithCaller(ctx context.Context, caller address.Identity) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

// GetCaller retrieves the authenticated caller from the context.
func GetCaller(ctx context.Context) (address.Identity, error) {
	caller, ok := ctx.Value(callerKey).(address.Identity)
	if !ok {
		return address.Identity{}, errors.New("no caller in context")
	}
	return caller, nil
}

// MustGetCaller panics if no caller is present. Use only behind the auth
// middleware, which guarantees one.
func MustGetCaller(ctx context.Context) address.Identity {
	caller, err := GetCaller(ctx)
	if err != nil {
		panic(err)
	}
	return caller
}
