package kv

import (
	"context"
	"time"

	"fx_platform/internal/core"
)

// Namespaced wraps a store with a key prefix so independent concerns
// (idempotency refs, order state, cache entries) share one store without
// colliding.
type Namespaced struct {
	inner  core.IKVStore
	prefix string
}

// Namespace returns a view of inner with all keys prefixed.
func Namespace(inner core.IKVStore, prefix string) *Namespaced {
	return &Namespaced{inner: inner, prefix: prefix}
}

func (n *Namespaced) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return n.inner.Get(ctx, n.prefix+key)
}

func (n *Namespaced) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return n.inner.Set(ctx, n.prefix+key, value, ttl)
}

func (n *Namespaced) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return n.inner.SetNX(ctx, n.prefix+key, value, ttl)
}

func (n *Namespaced) Delete(ctx context.Context, key string) error {
	return n.inner.Delete(ctx, n.prefix+key)
}

func (n *Namespaced) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys, err := n.inner.Keys(ctx, n.prefix+prefix)
	if err != nil {
		return nil, err
	}
	trimmed := make([]string, 0, len(keys))
	for _, k := range keys {
		trimmed = append(trimmed, k[len(n.prefix):])
	}
	return trimmed, nil
}
