package warmpool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/workspacecore/workspacecore/internal/types"
)

type fakeCreator struct {
	mu        sync.Mutex
	created   int
	destroyCt int
}

func (f *fakeCreator) destroyed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyCt
}

func (f *fakeCreator) CreateWarm(ctx context.Context) (types.SandboxInfo, error) {
	f.mu.Lock()
	f.created++
	id := f.created
	f.mu.Unlock()
	return types.SandboxInfo{
		SandboxID:   "sbx-" + time.Now().Format("150405") + "-" + string(rune('a'+id)),
		Status:      types.StatusWarm,
		ManagerType: types.ManagerDocker,
		CreatedAt:   time.Now(),
	}, nil
}

func (f *fakeCreator) HealthCheck(ctx context.Context, info types.SandboxInfo) error { return nil }
func (f *fakeCreator) Destroy(ctx context.Context, info types.SandboxInfo) error {
	f.mu.Lock()
	f.destroyCt++
	f.mu.Unlock()
	return nil
}

func newTestPool(t *testing.T) (*Pool, *fakeCreator) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	creator := &fakeCreator{}
	cfg := Config{MinSize: 2, TargetSize: 3, MaxSize: 10, CreateTimeout: time.Second, MaxConcurrentCreate: 2}
	return New(rdb, creator, cfg, zerolog.Nop()), creator
}

func TestPreheatFillsToTargetSize(t *testing.T) {
	pool, _ := newTestPool(t)
	ctx := context.Background()

	require.NoError(t, pool.Preheat(ctx))
	pool.Close()

	size, err := pool.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), size)
}

func TestPreheatIsIdempotentUpToTargetSize(t *testing.T) {
	pool, _ := newTestPool(t)
	ctx := context.Background()

	require.NoError(t, pool.Preheat(ctx))
	pool.Close()
	require.NoError(t, pool.Preheat(ctx))
	pool.Close()

	size, err := pool.Size(ctx)
	require.NoError(t, err)
	require.LessOrEqual(t, size, int64(3))
}

func TestAcquireIsAtomicAcrossConcurrentConsumers(t *testing.T) {
	pool, _ := newTestPool(t)
	ctx := context.Background()
	require.NoError(t, pool.Preheat(ctx))
	pool.Close()

	const consumers = 3
	seen := make(chan string, consumers)
	var wg sync.WaitGroup
	for i := 0; i < consumers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			info, err := pool.Acquire(ctx)
			require.NoError(t, err)
			seen <- info.SandboxID
		}()
	}
	wg.Wait()
	close(seen)
	pool.Close()

	ids := map[string]bool{}
	for id := range seen {
		require.False(t, ids[id], "two concurrent acquirers observed the same sandbox id")
		ids[id] = true
	}
	require.Len(t, ids, consumers)
}

func TestReplenishNeverGrowsQueuePastMaxSize(t *testing.T) {
	pool, _ := newTestPool(t)
	ctx := context.Background()

	pool.SetConfig(Config{MinSize: 5, TargetSize: 5, MaxSize: 3, CreateTimeout: time.Second, MaxConcurrentCreate: 2})
	require.NoError(t, pool.Replenish(ctx))
	pool.Close()

	size, err := pool.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), size, "queue must never exceed max_size even when min_size asks for more")
}

func TestEvictExpiredRemovesOnlyAgedEntries(t *testing.T) {
	pool, creator := newTestPool(t)
	ctx := context.Background()

	require.NoError(t, pool.Preheat(ctx))
	pool.Close()

	ids, err := pool.rdb.LRange(ctx, queueKey, 0, -1).Result()
	require.NoError(t, err)
	require.NotEmpty(t, ids)

	// Backdate every entry's created_at so it reads as aged past the TTL.
	for _, id := range ids {
		fields, err := pool.rdb.HGetAll(ctx, entryKey(id)).Result()
		require.NoError(t, err)
		info, ok := decodeFields(fields)
		require.True(t, ok)
		info.CreatedAt = time.Now().Add(-time.Hour)
		pool.rdb.HSet(ctx, entryKey(id), encodeFields(info))
	}

	pool.SetConfig(Config{MinSize: 2, TargetSize: 3, MaxSize: 10, CreateTimeout: time.Second, MaxConcurrentCreate: 2, IdleTTLInPool: time.Minute})
	require.NoError(t, pool.EvictExpired(ctx))

	size, err := pool.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), size, "all aged entries should have been evicted")
	require.Equal(t, len(ids), creator.destroyed(), "every evicted sandbox must be destroyed")
}

func TestReloadConfigOnceAppliesRegistryOverrides(t *testing.T) {
	pool, _ := newTestPool(t)
	ctx := context.Background()

	pool.rdb.HSet(ctx, configKey, map[string]string{
		"min_size":    "7",
		"target_size": "9",
		"max_size":    "12",
	})
	pool.reloadConfigOnce(ctx)

	cfg := pool.config()
	require.Equal(t, 7, cfg.MinSize)
	require.Equal(t, 9, cfg.TargetSize)
	require.Equal(t, 12, cfg.MaxSize)
}
