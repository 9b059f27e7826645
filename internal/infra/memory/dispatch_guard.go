package memory

import (
	"context"
	"sync"
)

// DispatchGuard reserves idempotency keys for the lifetime of the process.
type DispatchGuard struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func NewDispatchGuard() *DispatchGuard {
	return &DispatchGuard{keys: make(map[string]struct{})}
}

func (g *DispatchGuard) Acquire(_ context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, taken := g.keys[key]; taken {
		return false, nil
	}
	g.keys[key] = struct{}{}
	return true, nil
}

func (g *DispatchGuard) Release(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.keys, key)
	return nil
}
