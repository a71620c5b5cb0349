package audit

import "context"

// actorContextKey is the context key for the acting user.
type actorContextKey struct{}

// clientContextKey is the context key for request metadata.
type clientContextKey struct{}

// Client is where an action came from.
type Client struct {
	IPAddress string
	UserAgent string
}

// WithActor returns a new context carrying the acting user.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, a)
}

// ActorFromContext extracts the acting user. The second result is false
// when no actor with a uid is present.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorContextKey{}).(Actor)
	if !ok || a.UID == "" {
		return Actor{}, false
	}
	return a, true
}

// WithClient returns a new context carrying request metadata.
func WithClient(ctx context.Context, c Client) context.Context {
	return context.WithValue(ctx, clientContextKey{}, c)
}

// ClientFromContext extracts request metadata, or the zero Client.
func ClientFromContext(ctx context.Context) Client {
	c, _ := ctx.Value(clientContextKey{}).(Client)
	return c
}
