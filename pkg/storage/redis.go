package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisJobKeyPrefix = "fivedreg:job:"
	redisJobIndexKey  = "fivedreg:jobs"
)

// RedisStore implements the Store interface using Redis as a backend.
// It lets several API replicas share job history. Each record is a JSON string
// key with TTL-based expiration; a sorted set scored by start time indexes them.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	mu     sync.RWMutex
}

// NewRedisStore creates a new Redis-backed store.
//
// Parameters:
//   - addr: Redis server address (e.g., "localhost:6379")
//   - password: Redis password (empty string for no auth)
//   - db: Redis database number (typically 0)
//   - ttl: Record expiration duration (0 uses default of 24 hours)
//
// Returns an error if the connection to Redis fails or if parameters are invalid.
func NewRedisStore(addr, password string, db int, ttl time.Duration) (*RedisStore, error) {
	if addr == "" {
		return nil, errors.New("redis address cannot be empty")
	}
	if db < 0 {
		return nil, errors.New("redis database number must be >= 0")
	}

	if ttl == 0 {
		ttl = 24 * time.Hour
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	return &RedisStore{
		client: client,
		ttl:    ttl,
	}, nil
}

func redisJobKey(id string) string {
	return redisJobKeyPrefix + id
}

// Put stores a job record with TTL-based expiration and indexes it by start time.
// The key format is "fivedreg:job:{id}".
func (r *RedisStore) Put(ctx context.Context, record JobRecord) error {
	if err := ValidateID(record.ID); err != nil {
		return err
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal job record: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisJobKey(record.ID), data, r.ttl)
		pipe.ZAdd(ctx, redisJobIndexKey, redis.Z{
			Score:  float64(record.StartedAt.UnixMilli()),
			Member: record.ID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store job record in redis: %w", err)
	}

	return nil
}

// Get retrieves a job record by ID.
//
// Returns:
//   - record: The job record (zero value if not found)
//   - found: true if the record exists, false if not found or expired
//   - error: non-nil if an error occurred (excluding "not found")
func (r *RedisStore) Get(ctx context.Context, id string) (JobRecord, bool, error) {
	if err := ValidateID(id); err != nil {
		return JobRecord{}, false, err
	}

	data, err := r.client.Get(ctx, redisJobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return JobRecord{}, false, nil
		}
		return JobRecord{}, false, fmt.Errorf("failed to get job record from redis: %w", err)
	}

	var record JobRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return JobRecord{}, false, fmt.Errorf("failed to unmarshal job record: %w", err)
	}

	return record, true, nil
}

// GetLatest retrieves the most recently started job that has not expired.
func (r *RedisStore) GetLatest(ctx context.Context) (JobRecord, bool, error) {
	jobs, err := r.List(ctx, 1)
	if err != nil || len(jobs) == 0 {
		return JobRecord{}, false, err
	}
	return jobs[0], true, nil
}

// List returns up to limit records, newest first. Index entries whose record has
// expired are pruned from the index as they are encountered.
func (r *RedisStore) List(ctx context.Context, limit int) ([]JobRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	ids, err := r.client.ZRevRange(ctx, redisJobIndexKey, 0, int64(limit)*2-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read job index from redis: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = redisJobKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get job records from redis: %w", err)
	}

	var (
		jobs  []JobRecord
		stale []any
	)
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		if len(jobs) == limit {
			continue
		}
		var record JobRecord
		if err := json.Unmarshal([]byte(s), &record); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job record %s: %w", ids[i], err)
		}
		jobs = append(jobs, record)
	}

	if len(stale) > 0 {
		if err := r.client.ZRem(ctx, redisJobIndexKey, stale...).Err(); err != nil {
			return nil, fmt.Errorf("failed to prune job index: %w", err)
		}
	}
	return jobs, nil
}

// Close closes the Redis client connection.
// It is safe to call multiple times (idempotent).
func (r *RedisStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client == nil {
		return nil
	}

	err := r.client.Close()
	r.client = nil
	if err != nil && err.Error() == "redis: client is closed" {
		return nil
	}

	return err
}

// Ping checks the Redis connection health.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
