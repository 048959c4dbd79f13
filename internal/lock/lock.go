package lock

import (
	"context"
	"sync/atomic"

	"commissioner/internal/task"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Flavor names one orthogonal lock flag on a resource
type Flavor string

const (
	FlavorUpdate Flavor = "update"
	FlavorBackup Flavor = "backup"
)

// AnyVersion skips the optimistic version check
const AnyVersion int64 = -1

// Provider performs the atomic test-and-set on a resource record.
// TryLock must return task.ErrResourceBusy when the flavor is already held.
type Provider interface {
	Version(ctx context.Context, resourceID string) (int64, error)
	TryLock(ctx context.Context, resourceID string, flavor Flavor, holder string) error
	Unlock(ctx context.Context, resourceID string, flavor Flavor, holder string) error
	Held(ctx context.Context, resourceID string, flavor Flavor) (bool, error)
}

// Versioner bumps the resource version once an update has been applied
type Versioner interface {
	IncrementVersion(ctx context.Context, resourceID string) (int64, error)
}

// Locker hands out lock handles backed by a Provider
type Locker struct {
	provider Provider
	logger   *zap.Logger
}

// NewLocker creates a locker
func NewLocker(provider Provider, logger *zap.Logger) *Locker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Locker{provider: provider, logger: logger}
}

// Acquire checks expectedVersion and then takes the flavor on the resource.
// The returned handle is the only way to release it.
func (l *Locker) Acquire(ctx context.Context, resourceID string, flavor Flavor, expectedVersion int64, holder string) (*Handle, error) {
	if expectedVersion != AnyVersion {
		current, err := l.provider.Version(ctx, resourceID)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read version of %s", resourceID)
		}
		if current != expectedVersion {
			return nil, errors.Wrapf(task.ErrVersionMismatch, "resource %s is at version %d, expected %d", resourceID, current, expectedVersion)
		}
	}

	if err := l.provider.TryLock(ctx, resourceID, flavor, holder); err != nil {
		if errors.Is(err, task.ErrResourceBusy) {
			return nil, errors.Wrapf(err, "%s lock on %s", flavor, resourceID)
		}
		return nil, errors.Wrapf(err, "failed to lock %s for %s", resourceID, flavor)
	}

	l.logger.Debug("Lock acquired",
		zap.String("resource_id", resourceID),
		zap.String("flavor", string(flavor)),
		zap.String("holder", holder),
	)
	return &Handle{locker: l, ResourceID: resourceID, Flavor: flavor, Holder: holder}, nil
}

// AcquireAll takes every flavor in order. On failure the flavors already taken are released.
func (l *Locker) AcquireAll(ctx context.Context, resourceID string, flavors []Flavor, expectedVersion int64, holder string) (Handles, error) {
	handles := make(Handles, 0, len(flavors))
	for _, flavor := range flavors {
		h, err := l.Acquire(ctx, resourceID, flavor, expectedVersion, holder)
		if err != nil {
			handles.Release(ctx)
			return nil, err
		}
		handles = append(handles, h)
	}
	return handles, nil
}

// Handle is an acquired lock flavor
type Handle struct {
	locker     *Locker
	ResourceID string
	Flavor     Flavor
	Holder     string
	released   atomic.Bool
}

// Release unlocks the flavor. Only the first call reaches the provider; later calls return nil.
func (h *Handle) Release(ctx context.Context) error {
	if h == nil || !h.released.CompareAndSwap(false, true) {
		return nil
	}
	if err := h.locker.provider.Unlock(ctx, h.ResourceID, h.Flavor, h.Holder); err != nil {
		h.locker.logger.Error("Failed to release lock",
			zap.String("resource_id", h.ResourceID),
			zap.String("flavor", string(h.Flavor)),
			zap.String("holder", h.Holder),
			zap.Error(err),
		)
		return errors.Wrapf(err, "failed to release %s lock on %s", h.Flavor, h.ResourceID)
	}
	h.locker.logger.Debug("Lock released",
		zap.String("resource_id", h.ResourceID),
		zap.String("flavor", string(h.Flavor)),
		zap.String("holder", h.Holder),
	)
	return nil
}

// Released reports whether Release has been called
func (h *Handle) Released() bool {
	return h != nil && h.released.Load()
}

// Handles is a set of flavors held by one task
type Handles []*Handle

// Release releases every handle in reverse order. Errors are logged by each handle.
func (hs Handles) Release(ctx context.Context) {
	for i := len(hs) - 1; i >= 0; i-- {
		_ = hs[i].Release(ctx)
	}
}
