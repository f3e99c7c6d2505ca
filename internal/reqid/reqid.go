// Package reqid tags the context of one batch execution with an id so that
// events published while the batch runs can be correlated.
package reqid

import (
	"context"

	"github.com/google/uuid"
)

type key struct{}

// NewContext returns a copy of parent carrying a fresh batch id.
func NewContext(parent context.Context) (context.Context, string) {
	id := uuid.NewString()
	return context.WithValue(parent, key{}, id), id
}

// FromContext extracts the batch id from ctx.
func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(key{}).(string)
	return id, ok
}

// Ensure returns ctx unchanged when it already carries an id, and a tagged
// copy otherwise.
func Ensure(ctx context.Context) (context.Context, string) {
	if id, ok := FromContext(ctx); ok {
		return ctx, id
	}
	return NewContext(ctx)
}
