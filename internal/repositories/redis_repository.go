package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/PiKa919/paddle-ui/internal/domain"
)

// RedisRepository keeps job snapshots in Redis: one string key per job holding
// its JSON, plus a sorted set of IDs scored by creation sequence.
type RedisRepository struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisRepository wraps an existing client. The caller owns the client
// until Close is called.
func NewRedisRepository(client *redis.Client, prefix string, logger *zap.Logger) *RedisRepository {
	if prefix == "" {
		prefix = "paddle"
	}
	return &RedisRepository{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

func (r *RedisRepository) jobKey(id string) string {
	return fmt.Sprintf("%s:batch:job:%s", r.prefix, id)
}

func (r *RedisRepository) indexKey() string {
	return fmt.Sprintf("%s:batch:jobs", r.prefix)
}

// Save upserts the job and its index entry in one transaction
func (r *RedisRepository) Save(ctx context.Context, job *domain.BatchJob) error {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.jobKey(job.ID), data, 0)
		pipe.ZAdd(ctx, r.indexKey(), redis.Z{Score: float64(job.Seq), Member: job.ID})
		return nil
	})
	if err != nil {
		r.logger.Error("failed to save job",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

// Delete removes the job and its index entry. Missing jobs are not an error.
func (r *RedisRepository) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.jobKey(id))
		pipe.ZRem(ctx, r.indexKey(), id)
		return nil
	})
	if err != nil {
		r.logger.Error("failed to delete job",
			zap.String("job_id", id),
			zap.Error(err),
		)
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

// LoadAll returns every job in index order. Index entries whose key has
// vanished and undecodable payloads are skipped.
func (r *RedisRepository) LoadAll(ctx context.Context) ([]*domain.BatchJob, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout*2)
	defer cancel()

	ids, err := r.client.ZRange(ctx, r.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read job index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.jobKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read jobs: %w", err)
	}

	jobs := make([]*domain.BatchJob, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			r.logger.Warn("job index entry without payload", zap.String("job_id", ids[i]))
			continue
		}
		var job domain.BatchJob
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			r.logger.Warn("skipping corrupt job",
				zap.String("job_id", ids[i]),
				zap.Error(err),
			)
			continue
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

// CheckConnection pings the server
func (r *RedisRepository) CheckConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// EnsureCollections is a connectivity check; Redis keys need no setup
func (r *RedisRepository) EnsureCollections(ctx context.Context) error {
	return r.CheckConnection(ctx)
}

// Close closes the underlying client
func (r *RedisRepository) Close() error {
	if err := r.client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}

// NewRedisClient dials Redis and verifies the connection
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  defaultConnectTimeout,
		ReadTimeout:  defaultQueryTimeout,
		WriteTimeout: defaultQueryTimeout,
	})

	ctx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()

	var err error
	for attempt := 0; attempt < defaultMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				client.Close()
				return nil, ctx.Err()
			case <-time.After(defaultRetryDelay * time.Duration(attempt)):
			}
		}
		if err = client.Ping(ctx).Err(); err == nil {
			return client, nil
		}
	}
	client.Close()
	return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
}

var (
	_ domain.JobRepository = (*RedisRepository)(nil)
	_ domain.HealthChecker = (*RedisRepository)(nil)
)
