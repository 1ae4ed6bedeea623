// Package zdcontext carries a *browser.Browser handle through a
// context.Context, generalizing the teacher's context.go
// NewContext/FromContext/Run idiom so callers can thread a Browser through
// call chains without a package-level singleton, per the spec's explicit
// anti-singleton requirement.
package zdcontext

import (
	"context"
	"fmt"

	"github.com/stephanlensky/zendriver/browser"
)

type contextKey struct{}

// NewContext returns a context carrying b, retrievable with FromContext.
func NewContext(ctx context.Context, b *browser.Browser) context.Context {
	return context.WithValue(ctx, contextKey{}, b)
}

// FromContext returns the Browser stored in ctx, if any.
func FromContext(ctx context.Context) (*browser.Browser, bool) {
	b, ok := ctx.Value(contextKey{}).(*browser.Browser)
	return b, ok
}

// Run calls fn with the Browser carried in ctx, returning an error if ctx
// carries none. This is the only place in the module that treats "no
// Browser in context" as a programmer error rather than a valid state.
func Run(ctx context.Context, fn func(ctx context.Context, b *browser.Browser) error) error {
	b, ok := FromContext(ctx)
	if !ok {
		return fmt.Errorf("zdcontext: no Browser in context")
	}
	return fn(ctx, b)
}
