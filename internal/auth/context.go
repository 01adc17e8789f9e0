// ABOUTME: Caller identity carried through request handlers
// ABOUTME: Provides WithCaller/FromContext for propagating auth info via context

package auth

import (
	"context"
)

// Caller describes who issued an API request.
type Caller struct {
	// Authenticated is true when an API key was configured and matched.
	Authenticated bool
	// KeyHint is the last characters of the presented key, for logs.
	KeyHint string
	// RemoteAddr is the client address as seen by the server.
	RemoteAddr string
}

// callerKey is the key type for storing a Caller in context.Context.
type callerKey struct{}

// WithCaller returns a new context with the Caller attached.
func WithCaller(ctx context.Context, c *Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// FromContext retrieves the Caller from the context, returning nil if not present.
func FromContext(ctx context.Context) *Caller {
	c, _ := ctx.Value(callerKey{}).(*Caller)
	return c
}
