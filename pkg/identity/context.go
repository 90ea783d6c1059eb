package identity

import (
	"context"
	"sync"
)

type ctxKey struct{}

type holderKey struct{}

// Holder lets middleware that runs before authentication observe the
// identity established further down the chain.
type Holder struct {
	mu sync.Mutex
	id *Identity
}

// Set stores the identity.
func (h *Holder) Set(id *Identity) {
	h.mu.Lock()
	h.id = id
	h.mu.Unlock()
}

// Get returns the stored identity, nil if none.
func (h *Holder) Get() *Identity {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.id
}

// WithHolder installs an empty holder in ctx.
func WithHolder(ctx context.Context) (context.Context, *Holder) {
	h := &Holder{}
	return context.WithValue(ctx, holderKey{}, h), h
}

// Attach stores id in ctx and in the request's holder, if one was installed.
func Attach(ctx context.Context, id *Identity) context.Context {
	if h, ok := ctx.Value(holderKey{}).(*Holder); ok {
		h.Set(id)
	}
	return context.WithValue(ctx, ctxKey{}, id)
}

// From returns the identity attached to ctx, falling back to the holder.
func From(ctx context.Context) *Identity {
	if id, ok := ctx.Value(ctxKey{}).(*Identity); ok && id != nil {
		return id
	}
	if h, ok := ctx.Value(holderKey{}).(*Holder); ok {
		return h.Get()
	}
	return nil
}
