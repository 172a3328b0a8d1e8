//go:build integration

package redis

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/LerianStudio/lib-esop/esop/ledger"
	"github.com/LerianStudio/lib-esop/esop/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// setupRedisContainer starts a disposable Redis container and returns its
// address plus a cleanup function.
func setupRedisContainer(t *testing.T) (string, func()) {
	t.Helper()

	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)

	endpoint, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	return strings.TrimPrefix(endpoint, "redis://"), func() {
		require.NoError(t, container.Terminate(ctx))
	}
}

func setupIntegrationClient(t *testing.T) *Client {
	t.Helper()

	addr, cleanup := setupRedisContainer(t)
	t.Cleanup(cleanup)

	client, err := New(context.Background(), Config{
		Topology: Topology{Standalone: &StandaloneTopology{Address: addr}},
		Logger:   &log.NopLogger{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return client
}

func TestIntegrationStore_RoundTripAndSnapshot(t *testing.T) {
	client := setupIntegrationClient(t)

	store, err := NewStore(client)
	require.NoError(t, err)

	ctx := context.Background()

	absent, err := store.Get(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, ledger.Account{}, absent)

	accounts := map[ledger.Identity]ledger.Account{
		"alice": {TotalOptions: 1000, VestedOptions: 600, ExercisedOptions: 400},
		"bob":   {TotalOptions: 500},
	}

	require.NoError(t, store.SetAll(ctx, accounts))

	alice, err := store.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, accounts["alice"], alice)

	snapshot, err := store.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, accounts, snapshot)
}

func TestIntegrationLock_MutualExclusion(t *testing.T) {
	client := setupIntegrationClient(t)

	locker, err := NewRedisLockManager(client)
	require.NoError(t, err)

	ctx := context.Background()

	var (
		mu       sync.Mutex
		inside   int
		maxSeen  int
		wg       sync.WaitGroup
		counters [4]int
	)

	for worker := range counters {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for range 5 {
				err := locker.WithLock(ctx, "lock:integration:test", func(context.Context) error {
					mu.Lock()
					inside++
					if inside > maxSeen {
						maxSeen = inside
					}
					mu.Unlock()

					time.Sleep(5 * time.Millisecond)

					mu.Lock()
					inside--
					counters[worker]++
					mu.Unlock()

					return nil
				})
				assert.NoError(t, err)
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, maxSeen, "lock must serialize critical sections")

	for worker, count := range counters {
		assert.Equal(t, 5, count, "worker %d completed sections", worker)
	}
}

func TestIntegrationLock_TryLockContention(t *testing.T) {
	client := setupIntegrationClient(t)

	locker, err := NewRedisLockManager(client)
	require.NoError(t, err)

	ctx := context.Background()

	handle, acquired, err := locker.TryLock(ctx, "lock:integration:trylock")
	require.NoError(t, err)
	require.True(t, acquired)

	_, acquiredAgain, err := locker.TryLock(ctx, "lock:integration:trylock")
	require.NoError(t, err)
	assert.False(t, acquiredAgain, "held lock must not be reacquired")

	require.NoError(t, handle.Unlock(ctx))

	handle, acquired, err = locker.TryLock(ctx, "lock:integration:trylock")
	require.NoError(t, err)
	assert.True(t, acquired, "released lock must be reacquirable")
	require.NoError(t, handle.Unlock(ctx))
}
