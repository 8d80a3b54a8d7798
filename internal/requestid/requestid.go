// Package requestid propagates request IDs through contexts and HTTP headers.
package requestid

import (
	"context"

	"github.com/google/uuid"
)

// Header carries the request ID on HTTP requests and responses.
const Header = "X-Request-ID"

// maxLen bounds caller supplied IDs so they cannot bloat logs.
const maxLen = 64

type ctxKey struct{}

// WithRequestID returns a context with the given request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext extracts the request ID from context, or generates a new one.
func FromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.New().String()
}

// New generates a new request ID and returns the enriched context and ID.
func New(ctx context.Context) (context.Context, string) {
	id := uuid.New().String()
	return WithRequestID(ctx, id), id
}

// Ensure keeps a caller supplied ID when it looks sane and generates one
// otherwise.
func Ensure(ctx context.Context, incoming string) (context.Context, string) {
	if !valid(incoming) {
		return New(ctx)
	}
	return WithRequestID(ctx, incoming), incoming
}

func valid(id string) bool {
	if id == "" || len(id) > maxLen {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}
