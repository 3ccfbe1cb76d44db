package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/PiKa919/paddle-ui/internal/domain"
)

type stubEngine struct {
	closed atomic.Int32
}

func (e *stubEngine) Kind() domain.JobKind { return domain.JobKindOCR }
func (e *stubEngine) Process(ctx context.Context, path string) (any, error) {
	return nil, nil
}
func (e *stubEngine) Close() error {
	e.closed.Add(1)
	return nil
}

func newEngine() (domain.DocumentEngine, error) {
	return &stubEngine{}, nil
}

// TestEngineCacheReusesInstance tests that one key yields one engine
func TestEngineCacheReusesInstance(t *testing.T) {
	cache := NewEngineCache(4, 3600, zaptest.NewLogger(t))
	ctx := context.Background()

	var built int32
	create := func() (domain.DocumentEngine, error) {
		atomic.AddInt32(&built, 1)
		return &stubEngine{}, nil
	}

	first, release1, err := cache.Acquire(ctx, "ocr|en|", create)
	require.NoError(t, err)
	defer release1()
	second, release2, err := cache.Acquire(ctx, "ocr|en|", create)
	require.NoError(t, err)
	defer release2()
	other, release3, err := cache.Acquire(ctx, "ocr|ch|", create)
	require.NoError(t, err)
	defer release3()

	assert.Same(t, first, second)
	assert.NotSame(t, first, other)
	assert.Equal(t, int32(2), atomic.LoadInt32(&built))
}

// TestEngineCacheConcurrentCreate tests that concurrent misses construct the engine once
func TestEngineCacheConcurrentCreate(t *testing.T) {
	cache := NewEngineCache(16, 3600, zaptest.NewLogger(t))
	ctx := context.Background()

	var built int32
	create := func() (domain.DocumentEngine, error) {
		atomic.AddInt32(&built, 1)
		time.Sleep(time.Millisecond)
		return &stubEngine{}, nil
	}

	var wg sync.WaitGroup
	engines := make([]domain.DocumentEngine, 50)
	for i := range engines {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, release, err := cache.Acquire(ctx, "vl|zh|v1", create)
			assert.NoError(t, err)
			release()
			engines[i] = e
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&built))
	for _, e := range engines {
		assert.Same(t, engines[0], e)
	}
}

// TestEngineCacheCreateError tests that a failed construction is not cached
func TestEngineCacheCreateError(t *testing.T) {
	cache := NewEngineCache(4, 3600, zaptest.NewLogger(t))
	ctx := context.Background()

	_, _, err := cache.Acquire(ctx, "structure||", func() (domain.DocumentEngine, error) {
		return nil, errors.New("model missing")
	})
	assert.EqualError(t, err, "model missing")

	_, ok := cache.Get(ctx, "structure||")
	assert.False(t, ok)

	e, release, err := cache.Acquire(ctx, "structure||", newEngine)
	require.NoError(t, err)
	release()
	assert.NotNil(t, e)
}

// TestEngineCacheDeleteClosesEngine tests disposal on explicit delete
func TestEngineCacheDeleteClosesEngine(t *testing.T) {
	cache := NewEngineCache(4, 3600, zaptest.NewLogger(t))
	ctx := context.Background()

	e, release, err := cache.Acquire(ctx, "ocr|en|", newEngine)
	require.NoError(t, err)
	release()

	require.NoError(t, cache.Delete(ctx, "ocr|en|"))
	assert.Equal(t, int32(1), e.(*stubEngine).closed.Load())

	require.NoError(t, cache.Delete(ctx, "ocr|en|"))
	assert.Equal(t, int32(1), e.(*stubEngine).closed.Load(), "second delete is a no-op")
}

// TestEngineCacheExpiry tests that expired engines are closed and rebuilt
func TestEngineCacheExpiry(t *testing.T) {
	cache := NewEngineCache(4, 3600, zaptest.NewLogger(t))
	cache.ttl = 20 * time.Millisecond
	ctx := context.Background()

	first, release, err := cache.Acquire(ctx, "ocr|en|", newEngine)
	require.NoError(t, err)
	release()

	time.Sleep(40 * time.Millisecond)

	second, release, err := cache.Acquire(ctx, "ocr|en|", newEngine)
	require.NoError(t, err)
	defer release()
	assert.NotSame(t, first, second)
	assert.Equal(t, int32(1), first.(*stubEngine).closed.Load())
}

// TestEngineCacheCleanupWorker tests that the worker disposes of expired engines
func TestEngineCacheCleanupWorker(t *testing.T) {
	cache := NewEngineCache(16, 3600, zaptest.NewLogger(t))
	cache.ttl = 10 * time.Millisecond
	cache.cleanupInterval = 10 * time.Millisecond
	ctx := context.Background()

	engines := make([]*stubEngine, 20)
	for i := range engines {
		e, release, err := cache.Acquire(ctx, fmt.Sprintf("ocr|lang-%d|", i), newEngine)
		require.NoError(t, err)
		release()
		engines[i] = e.(*stubEngine)
	}

	cache.StartCleanupWorker()
	defer cache.StopCleanupWorker()

	assert.Eventually(t, func() bool {
		return cache.GetStats().TotalItems == 0
	}, 2*time.Second, 10*time.Millisecond)

	for _, e := range engines {
		assert.Equal(t, int32(1), e.closed.Load())
	}
}

// TestEngineCacheClear tests that Clear closes every engine
func TestEngineCacheClear(t *testing.T) {
	cache := NewEngineCache(4, 3600, zaptest.NewLogger(t))
	ctx := context.Background()

	a, releaseA, _ := cache.Acquire(ctx, "a", newEngine)
	b, releaseB, _ := cache.Acquire(ctx, "b", newEngine)
	releaseA()
	releaseB()

	cache.Clear()

	assert.Equal(t, 0, cache.GetStats().TotalItems)
	assert.Equal(t, int32(1), a.(*stubEngine).closed.Load())
	assert.Equal(t, int32(1), b.(*stubEngine).closed.Load())
}

// TestEngineCacheSharding tests that sharding distributes keys evenly
func TestEngineCacheSharding(t *testing.T) {
	cache := NewEngineCache(16, 3600, zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < 1000; i++ {
		_, release, err := cache.Acquire(ctx, fmt.Sprintf("shard-key-%d", i), newEngine)
		require.NoError(t, err)
		release()
	}

	stats := cache.GetStats()
	assert.Equal(t, 16, stats.ShardCount)
	assert.Equal(t, 1000, stats.TotalItems)

	nonEmptyShards := 0
	for _, shardStat := range stats.ShardStats {
		if shardStat.ItemCount > 0 {
			nonEmptyShards++
		}
	}
	assert.Greater(t, nonEmptyShards, 10, "Items should be distributed across multiple shards")
}

// TestEngineCacheCancelledContext tests that a done context short-circuits
func TestEngineCacheCancelledContext(t *testing.T) {
	cache := NewEngineCache(4, 3600, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := cache.Acquire(ctx, "ocr||", newEngine)
	assert.ErrorIs(t, err, context.Canceled)
}

// TestEngineCacheLeaseOutlivesTTL tests that an engine in use is neither expired nor replaced
func TestEngineCacheLeaseOutlivesTTL(t *testing.T) {
	cache := NewEngineCache(1, 3600, zaptest.NewLogger(t))
	cache.ttl = 20 * time.Millisecond
	ctx := context.Background()

	leased, release, err := cache.Acquire(ctx, "ocr|en|", newEngine)
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)

	require.NoError(t, cache.CleanExpired(ctx))
	assert.Equal(t, int32(0), leased.(*stubEngine).closed.Load())
	assert.Equal(t, 1, cache.GetStats().TotalItems)

	again, releaseAgain, err := cache.Acquire(ctx, "ocr|en|", newEngine)
	require.NoError(t, err)
	assert.Same(t, leased, again)

	release()
	releaseAgain()
	releaseAgain()
	assert.Equal(t, int32(0), leased.(*stubEngine).closed.Load())

	// idle again: expiry applies from the last release
	time.Sleep(40 * time.Millisecond)
	require.NoError(t, cache.CleanExpired(ctx))
	assert.Equal(t, int32(1), leased.(*stubEngine).closed.Load())
	assert.Equal(t, 0, cache.GetStats().TotalItems)
}

// TestEngineCacheEvictWhileLeased tests that Delete and Clear defer Close to the last release
func TestEngineCacheEvictWhileLeased(t *testing.T) {
	cache := NewEngineCache(4, 3600, zaptest.NewLogger(t))
	ctx := context.Background()

	a, releaseA1, err := cache.Acquire(ctx, "a", newEngine)
	require.NoError(t, err)
	_, releaseA2, err := cache.Acquire(ctx, "a", newEngine)
	require.NoError(t, err)
	b, releaseB, err := cache.Acquire(ctx, "b", newEngine)
	require.NoError(t, err)

	require.NoError(t, cache.Delete(ctx, "a"))
	cache.Clear()
	assert.Equal(t, 0, cache.GetStats().TotalItems)

	// a fresh lease on an evicted key builds a new engine
	fresh, releaseFresh, err := cache.Acquire(ctx, "a", newEngine)
	require.NoError(t, err)
	assert.NotSame(t, a, fresh)
	releaseFresh()

	releaseA1()
	assert.Equal(t, int32(0), a.(*stubEngine).closed.Load())
	releaseA2()
	assert.Equal(t, int32(1), a.(*stubEngine).closed.Load())

	releaseB()
	releaseB()
	assert.Equal(t, int32(1), b.(*stubEngine).closed.Load())
}
