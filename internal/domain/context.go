package domain

import "context"

type ctxKey string

const actorCtxKey ctxKey = "actor"

// ContextWithActor returns a new context naming the authenticated caller.
func ContextWithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorCtxKey, actor)
}

// ActorFromContext extracts the caller name. Returns "" if not set.
func ActorFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(actorCtxKey).(string); ok {
		return v
	}
	return ""
}
