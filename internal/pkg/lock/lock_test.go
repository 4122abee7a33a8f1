package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "lock:pool:pool_us_500", PoolKey("pool_us_500"))
	assert.Equal(t, "lock:account:42", AccountKey(42))
	assert.Equal(t, "lock:account:0", AccountKey(0))
}

func TestMemoryLocker_Exclusive(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()

	token, ok, err := l.TryAcquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryAcquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second acquire must fail fast while held")

	locked, _ := l.IsLocked(ctx, "k")
	assert.True(t, locked)

	require.NoError(t, l.Release(ctx, "k", token))
	locked, _ = l.IsLocked(ctx, "k")
	assert.False(t, locked)
}

func TestMemoryLocker_ReleaseChecksOwner(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	l := NewMemoryLocker()
	l.SetClock(func() time.Time { return now })

	stale, ok, _ := l.TryAcquire(ctx, "k", time.Second)
	require.True(t, ok)

	// ttl expires and a new owner takes over
	now = now.Add(2 * time.Second)
	fresh, ok, _ := l.TryAcquire(ctx, "k", time.Minute)
	require.True(t, ok)

	assert.ErrorIs(t, l.Release(ctx, "k", stale), ErrNotHeld)
	locked, _ := l.IsLocked(ctx, "k")
	assert.True(t, locked, "stale release must not free the new owner's lock")

	require.NoError(t, l.Release(ctx, "k", fresh))
}

func TestMemoryLocker_ConcurrentAcquire(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()

	var winners int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, _ := l.TryAcquire(ctx, "hot", time.Minute); ok {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners)
}
