package store

import (
	"context"
	"errors"
	"time"

	"github.com/mypostal/fairqueue/observability"
	"github.com/redis/go-redis/v9"
)

// RedisCoordinator implements Coordinator using Redis as the distributed
// lock/lease backend for leader election and janitor sweeps. It never
// stores queue rows — the PostgresStore (or MemoryStore) owns those.
type RedisCoordinator struct {
	client *redis.Client
}

// NewRedisCoordinator dials Redis and verifies connectivity.
func NewRedisCoordinator(addr string, password string, db int) (*RedisCoordinator, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisCoordinator{client: client}, nil
}

func (s *RedisCoordinator) Close() error {
	return s.client.Close()
}

// AcquireLock attempts to acquire a distributed lock via SET key value NX EX ttl.
func (s *RedisCoordinator) AcquireLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error) {
	start := time.Now()
	defer func() { observability.RedisLatency.Observe(time.Since(start).Seconds()) }()

	return s.client.SetNX(ctx, key, ownerID, ttl).Result()
}

// RenewLock extends the TTL if the lock is still held by ownerID, atomically.
func (s *RedisCoordinator) RenewLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error) {
	start := time.Now()
	defer func() { observability.RedisLatency.Observe(time.Since(start).Seconds()) }()

	// Returns 1 on success, -1 if the key is missing, -2 on owner mismatch.
	script := `
		local val = redis.call("get", KEYS[1])
		if not val then
			return -1
		end
		if val == ARGV[1] then
			return redis.call("pexpire", KEYS[1], tonumber(ARGV[2]))
		else
			return -2
		end
	`
	res, err := s.client.Eval(ctx, script, []string{key}, ownerID, int64(ttl/time.Millisecond)).Result()
	if err != nil {
		return false, err
	}

	val, ok := res.(int64)
	if !ok {
		return false, errors.New("store: unexpected return type from renew script")
	}
	return val == 1, nil
}

// ReleaseLock releases the lock if held by ownerID.
func (s *RedisCoordinator) ReleaseLock(ctx context.Context, key string, ownerID string) error {
	start := time.Now()
	defer func() { observability.RedisLatency.Observe(time.Since(start).Seconds()) }()

	script := `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`
	_, err := s.client.Eval(ctx, script, []string{key}, ownerID).Result()
	return err
}

// GetLockOwner returns the current owner, or empty if the lock is free.
func (s *RedisCoordinator) GetLockOwner(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

// Leases reuse the lock primitives; the distinction is naming only — a
// lease's value carries richer metadata (owner, fencing epoch) where a
// plain lock's value is just an opaque owner id.

func (s *RedisCoordinator) AcquireLease(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return s.AcquireLock(ctx, key, value, ttl)
}

func (s *RedisCoordinator) RenewLease(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return s.RenewLock(ctx, key, value, ttl)
}

func (s *RedisCoordinator) ReleaseLease(ctx context.Context, key string, value string) error {
	return s.ReleaseLock(ctx, key, value)
}

func (s *RedisCoordinator) IsLeaseOwner(ctx context.Context, key string, value string) (bool, error) {
	owner, err := s.GetLockOwner(ctx, key)
	if err != nil {
		return false, err
	}
	return owner == value, nil
}

// IncrementEpoch increments an ephemeral epoch counter kept alongside the
// lock, suffixed ":epoch". This is the fast path; DurableEpochStore backs
// it with a database-durable counter that survives a Redis flush.
func (s *RedisCoordinator) IncrementEpoch(ctx context.Context, key string) (int64, error) {
	return s.client.Incr(ctx, key+":epoch").Result()
}

// ScanLocks returns keys matching pattern, used by the janitor to find
// stale locks and leases.
func (s *RedisCoordinator) ScanLocks(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}
