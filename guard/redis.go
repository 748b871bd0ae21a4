package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLockoutStore implements LockoutStore on Redis for multi-instance
// deployments.
type RedisLockoutStore struct {
	client *redis.Client
	prefix string
}

func NewRedisLockoutStore(client *redis.Client, prefix string) *RedisLockoutStore {
	if prefix == "" {
		prefix = "palauth:lockout:"
	}
	return &RedisLockoutStore{client: client, prefix: prefix}
}

func (s *RedisLockoutStore) failureKey(identifier string) string {
	return s.prefix + "failures:" + identifier
}

func (s *RedisLockoutStore) lockKey(identifier string) string {
	return s.prefix + "locked:" + identifier
}

func (s *RedisLockoutStore) RecordFailure(ctx context.Context, identifier string, ttl time.Duration) (int, error) {
	key := s.failureKey(identifier)

	// Atomic increment + expire so the window starts at the first failure.
	script := redis.NewScript(`
		local count = redis.call('INCR', KEYS[1])
		if count == 1 then
			redis.call('PEXPIRE', KEYS[1], ARGV[1])
		end
		return count
	`)

	result, err := script.Run(ctx, s.client, []string{key}, ttl.Milliseconds()).Result()
	if err != nil {
		return 0, fmt.Errorf("guard: record failure: %w", err)
	}

	count, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("guard: unexpected result type %T", result)
	}
	return int(count), nil
}

func (s *RedisLockoutStore) ClearFailures(ctx context.Context, identifier string) error {
	if err := s.client.Del(ctx, s.failureKey(identifier)).Err(); err != nil {
		return fmt.Errorf("guard: clear failures: %w", err)
	}
	return nil
}

func (s *RedisLockoutStore) Lock(ctx context.Context, identifier string, duration time.Duration) error {
	key := s.lockKey(identifier)
	lockedUntil := time.Now().Add(duration).Unix()

	if err := s.client.Set(ctx, key, lockedUntil, duration).Err(); err != nil {
		return fmt.Errorf("guard: lock: %w", err)
	}
	return s.ClearFailures(ctx, identifier)
}

func (s *RedisLockoutStore) IsLocked(ctx context.Context, identifier string) (bool, time.Time, error) {
	key := s.lockKey(identifier)

	result, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, time.Time{}, nil
	}
	if err != nil {
		return false, time.Time{}, fmt.Errorf("guard: check lock: %w", err)
	}

	var lockedUntil int64
	if _, err := fmt.Sscanf(result, "%d", &lockedUntil); err != nil {
		return false, time.Time{}, fmt.Errorf("guard: parse lock time: %w", err)
	}

	until := time.Unix(lockedUntil, 0)
	if time.Now().After(until) {
		s.client.Del(ctx, key)
		return false, time.Time{}, nil
	}
	return true, until, nil
}
