package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"commissioner/internal/task"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingProvider struct {
	Provider
	unlocks int32
}

func (c *countingProvider) Unlock(ctx context.Context, resourceID string, flavor Flavor, holder string) error {
	atomic.AddInt32(&c.unlocks, 1)
	return c.Provider.Unlock(ctx, resourceID, flavor, holder)
}

func TestAcquireBusy(t *testing.T) {
	ctx := context.Background()
	locker := NewLocker(NewMemoryProvider(), nil)

	h, err := locker.Acquire(ctx, "u1", FlavorUpdate, AnyVersion, "task-a")
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "u1", FlavorUpdate, AnyVersion, "task-b")
	require.Error(t, err)
	assert.True(t, errors.Is(err, task.ErrResourceBusy))

	other, err := locker.Acquire(ctx, "u1", FlavorBackup, AnyVersion, "task-b")
	require.NoError(t, err, "flavors are orthogonal")
	require.NoError(t, other.Release(ctx))

	require.NoError(t, h.Release(ctx))
	h2, err := locker.Acquire(ctx, "u1", FlavorUpdate, AnyVersion, "task-b")
	require.NoError(t, err)
	require.NoError(t, h2.Release(ctx))
}

func TestAcquireVersionMismatch(t *testing.T) {
	ctx := context.Background()
	provider := NewMemoryProvider()
	provider.SetVersion("u1", 7)
	locker := NewLocker(provider, nil)

	_, err := locker.Acquire(ctx, "u1", FlavorUpdate, 6, "task-a")
	require.Error(t, err)
	assert.True(t, errors.Is(err, task.ErrVersionMismatch))
	_, held := provider.Holder("u1", FlavorUpdate)
	assert.False(t, held, "version check happens before the flag is set")

	h, err := locker.Acquire(ctx, "u1", FlavorUpdate, 7, "task-a")
	require.NoError(t, err)
	require.NoError(t, h.Release(ctx))
}

func TestReleaseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	provider := &countingProvider{Provider: NewMemoryProvider()}
	locker := NewLocker(provider, nil)

	h, err := locker.Acquire(ctx, "u1", FlavorBackup, AnyVersion, "task-a")
	require.NoError(t, err)
	assert.False(t, h.Released())

	require.NoError(t, h.Release(ctx))
	require.NoError(t, h.Release(ctx))
	assert.True(t, h.Released())
	assert.Equal(t, int32(1), atomic.LoadInt32(&provider.unlocks))

	var nilHandle *Handle
	assert.NoError(t, nilHandle.Release(ctx))
}

func TestConcurrentReleaseCallsProviderOnce(t *testing.T) {
	ctx := context.Background()
	provider := &countingProvider{Provider: NewMemoryProvider()}
	locker := NewLocker(provider, nil)
	h, err := locker.Acquire(ctx, "u1", FlavorBackup, AnyVersion, "task-a")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.Release(ctx)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&provider.unlocks))
}

func TestAcquireAllReleasesPartialOnFailure(t *testing.T) {
	ctx := context.Background()
	provider := NewMemoryProvider()
	locker := NewLocker(provider, nil)

	blocker, err := locker.Acquire(ctx, "u1", FlavorBackup, AnyVersion, "other")
	require.NoError(t, err)

	_, err = locker.AcquireAll(ctx, "u1", []Flavor{FlavorUpdate, FlavorBackup}, AnyVersion, "task-a")
	require.Error(t, err)
	assert.True(t, errors.Is(err, task.ErrResourceBusy))
	_, held := provider.Holder("u1", FlavorUpdate)
	assert.False(t, held)

	require.NoError(t, blocker.Release(ctx))
	hs, err := locker.AcquireAll(ctx, "u1", []Flavor{FlavorUpdate, FlavorBackup}, AnyVersion, "task-a")
	require.NoError(t, err)
	assert.Len(t, hs, 2)
	hs.Release(ctx)
	_, held = provider.Holder("u1", FlavorBackup)
	assert.False(t, held)
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	ctx := context.Background()
	locker := NewLocker(NewMemoryProvider(), nil)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := locker.Acquire(ctx, "u1", FlavorUpdate, AnyVersion, "t"); err == nil {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}
