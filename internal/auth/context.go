package auth

import (
	"context"

	"adfunds.io/internal/audit"
)

type actorContextKey struct{}

// ContextWithActor attaches the authenticated caller to the context.
func ContextWithActor(ctx context.Context, actor audit.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the caller stored by ContextWithActor.
func ActorFromContext(ctx context.Context) (audit.Actor, bool) {
	if ctx == nil {
		return audit.Actor{}, false
	}
	v, ok := ctx.Value(actorContextKey{}).(audit.Actor)
	if !ok || v.ID == "" {
		return audit.Actor{}, false
	}
	return v, true
}
