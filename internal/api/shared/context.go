// Package shared holds request-scoped context values and the JSON request
// and response helpers used by the api package and its middleware.
package shared

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// ContextKey is the type of context keys set by the api layer.
type ContextKey string

const (
	// PrincipalContextKey holds the principal id of the caller.
	PrincipalContextKey ContextKey = "principal"

	// TraceIDKey holds the request trace id.
	TraceIDKey ContextKey = "traceID"
)

// WithPrincipal returns a context carrying principal.
func WithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, PrincipalContextKey, principal)
}

// GetPrincipal returns the caller's principal, or "" when none was set.
func GetPrincipal(ctx context.Context) string {
	principal, _ := ctx.Value(PrincipalContextKey).(string)
	return principal
}

// SetTraceID returns a context carrying a fresh trace id.
func SetTraceID(ctx context.Context) context.Context {
	return context.WithValue(ctx, TraceIDKey, NewTraceID())
}

// GetTraceID returns the trace id, or "" when none was set.
func GetTraceID(ctx context.Context) string {
	traceID, _ := ctx.Value(TraceIDKey).(string)
	return traceID
}

// NewTraceID returns 32 random hex characters.
func NewTraceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
