package lock

import (
	"context"
	"sync"

	"commissioner/internal/task"
)

type heldKey struct {
	resourceID string
	flavor     Flavor
}

// MemoryProvider keeps lock flags in process memory
type MemoryProvider struct {
	mu       sync.Mutex
	versions map[string]int64
	held     map[heldKey]string
}

// NewMemoryProvider creates an empty provider. Unknown resources are at version 0.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		versions: make(map[string]int64),
		held:     make(map[heldKey]string),
	}
}

// SetVersion sets the version of a resource
func (p *MemoryProvider) SetVersion(resourceID string, version int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.versions[resourceID] = version
}

// Holder returns the holder of a flavor, if any
func (p *MemoryProvider) Holder(resourceID string, flavor Flavor) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	holder, ok := p.held[heldKey{resourceID, flavor}]
	return holder, ok
}

// IncrementVersion bumps the version of a resource and returns the new value
func (p *MemoryProvider) IncrementVersion(ctx context.Context, resourceID string) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.versions[resourceID]++
	return p.versions[resourceID], nil
}

func (p *MemoryProvider) Version(ctx context.Context, resourceID string) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.versions[resourceID], nil
}

func (p *MemoryProvider) TryLock(ctx context.Context, resourceID string, flavor Flavor, holder string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := heldKey{resourceID, flavor}
	if _, ok := p.held[k]; ok {
		return task.ErrResourceBusy
	}
	p.held[k] = holder
	return nil
}

func (p *MemoryProvider) Unlock(ctx context.Context, resourceID string, flavor Flavor, holder string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := heldKey{resourceID, flavor}
	if current, ok := p.held[k]; ok && current == holder {
		delete(p.held, k)
	}
	return nil
}

func (p *MemoryProvider) Held(ctx context.Context, resourceID string, flavor Flavor) (bool, error) {
	_, ok := p.Holder(resourceID, flavor)
	return ok, nil
}
