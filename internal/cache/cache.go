package cache

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/PiKa919/paddle-ui/internal/domain"
)

const (
	// Default settings
	defaultShardCount      = 16
	defaultTTL             = 30 * time.Minute
	defaultCleanupInterval = 1 * time.Minute
)

// CacheItem represents a cached engine with expiration.
// leases and evicted are guarded by the owning shard's lock.
type CacheItem struct {
	Engine    domain.DocumentEngine
	CreatedAt time.Time
	ExpiresAt time.Time

	leases  int  // batches currently running on Engine
	evicted bool // removed from the shard while leased; closed on last release
}

// IsExpired checks if the cache item has expired. A leased item never expires.
func (item *CacheItem) IsExpired() bool {
	return item.leases == 0 && time.Now().After(item.ExpiresAt)
}

// CacheShard represents a single shard of the cache with its own lock
type CacheShard struct {
	mu    sync.RWMutex
	items map[string]*CacheItem
}

// EngineCache is a sharded, TTL-bounded cache of constructed document engines.
// Engines are handed out as leases: an engine is closed when it expires, is
// deleted, or the cache is cleared, but never while a lease on it is held.
// Acquire and release both slide the expiry forward.
type EngineCache struct {
	shards          []*CacheShard
	shardCount      int
	ttl             time.Duration
	cleanupInterval time.Duration
	logger          *zap.Logger

	// Cleanup worker management
	cleanupWorkerRunning bool
	cleanupWorkerMu      sync.Mutex
	cleanupWorkerStop    chan struct{}
	cleanupWorkerWg      sync.WaitGroup
}

// NewEngineCache creates a new engine cache; ttl is in seconds
func NewEngineCache(shardCount int, ttl int, logger *zap.Logger) *EngineCache {
	if shardCount < 1 {
		shardCount = defaultShardCount
	}

	ttlDuration := time.Duration(ttl) * time.Second
	if ttlDuration <= 0 {
		ttlDuration = defaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	shards := make([]*CacheShard, shardCount)
	for i := range shards {
		shards[i] = &CacheShard{
			items: make(map[string]*CacheItem),
		}
	}

	return &EngineCache{
		shards:            shards,
		shardCount:        shardCount,
		ttl:               ttlDuration,
		cleanupInterval:   defaultCleanupInterval,
		logger:            logger,
		cleanupWorkerStop: make(chan struct{}),
	}
}

// getShard returns the shard for a given key using FNV hash
func (c *EngineCache) getShard(key string) *CacheShard {
	hash := fnv.New32a()
	hash.Write([]byte(key))
	shardIndex := hash.Sum32() % uint32(c.shardCount)
	return c.shards[shardIndex]
}

// Get returns the live engine stored under key without leasing it
func (c *EngineCache) Get(ctx context.Context, key string) (domain.DocumentEngine, bool) {
	select {
	case <-ctx.Done():
		return nil, false
	default:
	}

	shard := c.getShard(key)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	item, exists := shard.items[key]
	if !exists || item.IsExpired() {
		return nil, false
	}
	return item.Engine, true
}

// Acquire returns the engine for key, constructing it with create on a miss.
// Construction happens under the shard lock so one key is never built twice.
// The engine stays open until release is called; release is idempotent.
func (c *EngineCache) Acquire(ctx context.Context, key string, create func() (domain.DocumentEngine, error)) (domain.DocumentEngine, func(), error) {
	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	default:
	}

	shard := c.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	now := time.Now()
	if item, exists := shard.items[key]; exists {
		if !item.IsExpired() {
			item.ExpiresAt = now.Add(c.ttl)
			item.leases++
			return item.Engine, c.releaser(shard, key, item), nil
		}
		c.evict(key, item)
		delete(shard.items, key)
	}

	engine, err := create()
	if err != nil {
		return nil, nil, err
	}

	item := &CacheItem{
		Engine:    engine,
		CreatedAt: now,
		ExpiresAt: now.Add(c.ttl),
		leases:    1,
	}
	shard.items[key] = item
	c.logger.Info("engine constructed",
		zap.String("key", key),
		zap.String("kind", string(engine.Kind())),
	)
	return engine, c.releaser(shard, key, item), nil
}

// releaser returns the function that ends one lease on item
func (c *EngineCache) releaser(shard *CacheShard, key string, item *CacheItem) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			shard.mu.Lock()
			defer shard.mu.Unlock()

			item.leases--
			item.ExpiresAt = time.Now().Add(c.ttl)
			if item.leases == 0 && item.evicted {
				c.dispose(key, item)
			}
		})
	}
}

// Delete disposes of the engine stored under key (implements domain.EngineCache)
func (c *EngineCache) Delete(ctx context.Context, key string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	shard := c.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if item, exists := shard.items[key]; exists {
		c.evict(key, item)
		delete(shard.items, key)
	}
	return nil
}

// CleanExpired disposes of all expired engines (implements domain.EngineCache)
func (c *EngineCache) CleanExpired(ctx context.Context) error {
	for _, shard := range c.shards {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		shard.mu.Lock()
		for key, item := range shard.items {
			if item.IsExpired() {
				c.dispose(key, item)
				delete(shard.items, key)
			}
		}
		shard.mu.Unlock()
	}
	return nil
}

// evict handles an item leaving its shard: closed now if idle, otherwise on
// the last release. Caller holds the shard lock.
func (c *EngineCache) evict(key string, item *CacheItem) {
	if item.leases > 0 {
		item.evicted = true
		c.logger.Debug("engine in use, close deferred",
			zap.String("key", key),
			zap.Int("leases", item.leases),
		)
		return
	}
	c.dispose(key, item)
}

// dispose closes an engine leaving the cache. Caller holds the shard lock.
func (c *EngineCache) dispose(key string, item *CacheItem) {
	if item.Engine == nil {
		return
	}
	if err := item.Engine.Close(); err != nil {
		c.logger.Warn("failed to close engine",
			zap.String("key", key),
			zap.Error(err),
		)
		return
	}
	c.logger.Debug("engine disposed", zap.String("key", key))
}

// StartCleanupWorker starts a background goroutine that periodically disposes of expired engines
func (c *EngineCache) StartCleanupWorker() {
	c.cleanupWorkerMu.Lock()
	defer c.cleanupWorkerMu.Unlock()

	if c.cleanupWorkerRunning {
		return // Already running
	}

	c.cleanupWorkerRunning = true
	c.cleanupWorkerStop = make(chan struct{})

	c.cleanupWorkerWg.Add(1)
	go c.cleanupWorker()
}

// StopCleanupWorker stops the background cleanup worker gracefully
func (c *EngineCache) StopCleanupWorker() {
	c.cleanupWorkerMu.Lock()
	defer c.cleanupWorkerMu.Unlock()

	if !c.cleanupWorkerRunning {
		return // Not running
	}

	close(c.cleanupWorkerStop)
	c.cleanupWorkerWg.Wait()
	c.cleanupWorkerRunning = false
}

func (c *EngineCache) cleanupWorker() {
	defer c.cleanupWorkerWg.Done()

	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.cleanupWorkerStop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			_ = c.CleanExpired(ctx)
			cancel()
		}
	}
}

// Clear disposes of every cached engine
func (c *EngineCache) Clear() {
	for _, shard := range c.shards {
		shard.mu.Lock()
		for key, item := range shard.items {
			c.evict(key, item)
		}
		shard.items = make(map[string]*CacheItem)
		shard.mu.Unlock()
	}
}

// GetStats returns cache statistics
func (c *EngineCache) GetStats() CacheStats {
	stats := CacheStats{
		ShardCount: c.shardCount,
		TotalItems: 0,
		ShardStats: make([]ShardStat, c.shardCount),
	}

	for i, shard := range c.shards {
		shard.mu.RLock()
		itemCount := len(shard.items)
		expiredCount := 0
		for _, item := range shard.items {
			if item.IsExpired() {
				expiredCount++
			}
		}
		shard.mu.RUnlock()

		stats.ShardStats[i] = ShardStat{
			Index:        i,
			ItemCount:    itemCount,
			ExpiredCount: expiredCount,
		}
		stats.TotalItems += itemCount
	}

	return stats
}

// CacheStats represents cache statistics
type CacheStats struct {
	ShardCount int `json:"shard_count"`
	TotalItems int `json:"total_items"`
	ShardStats []ShardStat `json:"-"`
}

// ShardStat represents statistics for a single shard
type ShardStat struct {
	Index        int
	ItemCount    int
	ExpiredCount int
}

// Verify that EngineCache implements domain.EngineCache interface
var _ domain.EngineCache = (*EngineCache)(nil)
