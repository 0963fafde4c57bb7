package conversation

import "context"

type callerKey struct{}

// WithCaller attaches the identity of the user a tool call is made for.
func WithCaller(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, callerKey{}, identity)
}

// CallerFrom returns the identity set by WithCaller, if any.
func CallerFrom(ctx context.Context) string {
	v, _ := ctx.Value(callerKey{}).(string)
	return v
}
