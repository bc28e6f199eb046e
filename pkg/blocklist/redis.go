package blocklist

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisKey is the Redis set holding blocked hosts.
const RedisKey = "proxy:blocklist"

// RedisStore keeps the blocklist in a Redis set so that several proxy
// instances share one list.
type RedisStore struct {
	redis *redis.Client
	key   string
}

// NewRedisStore creates a Redis-backed blocklist.
func NewRedisStore(redisClient *redis.Client) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisStore{
		redis: redisClient,
		key:   RedisKey,
	}
}

// Block adds host to the Redis set.
func (s *RedisStore) Block(ctx context.Context, host string) error {
	host = Normalize(host)
	if host == "" {
		return ErrEmptyHost
	}
	if err := s.redis.SAdd(ctx, s.key, host).Err(); err != nil {
		blocklistErrors.WithLabelValues("block").Inc()
		return fmt.Errorf("redis sadd: %w", err)
	}
	return nil
}

// Unblock removes host from the Redis set.
func (s *RedisStore) Unblock(ctx context.Context, host string) error {
	host = Normalize(host)
	if host == "" {
		return ErrEmptyHost
	}
	if err := s.redis.SRem(ctx, s.key, host).Err(); err != nil {
		blocklistErrors.WithLabelValues("unblock").Inc()
		return fmt.Errorf("redis srem: %w", err)
	}
	return nil
}

// IsBlocked checks host and its parent domains in a single round trip.
func (s *RedisStore) IsBlocked(ctx context.Context, host string) (bool, error) {
	candidates := Candidates(host)
	if len(candidates) == 0 {
		return false, nil
	}

	members := make([]interface{}, len(candidates))
	for i, c := range candidates {
		members[i] = c
	}

	found, err := s.redis.SMIsMember(ctx, s.key, members...).Result()
	if err != nil {
		blocklistErrors.WithLabelValues("check").Inc()
		return false, fmt.Errorf("redis smismember: %w", err)
	}
	for _, ok := range found {
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// List returns all members of the Redis set.
func (s *RedisStore) List(ctx context.Context) ([]string, error) {
	hosts, err := s.redis.SMembers(ctx, s.key).Result()
	if err != nil {
		blocklistErrors.WithLabelValues("list").Inc()
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	return hosts, nil
}
