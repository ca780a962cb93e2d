package draft

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"legacyplan/api/internal/plan"
)

// RedisStore implements draft storage using Redis
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisStore creates a new Redis-backed draft store. A zero ttl keeps drafts until
// they are overwritten or deleted.
func NewRedisStore(redisURL string, ttl time.Duration, logger *zap.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, ttl, logger), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "draft:",
		ttl:    ttl,
		logger: orNop(logger),
	}
}

func (s *RedisStore) key(ownerID string) string {
	return s.prefix + ownerID
}

// Get returns the owner's draft. Redis errors and corrupt payloads read as absent.
func (s *RedisStore) Get(ctx context.Context, ownerID string) (plan.Draft, bool) {
	raw, err := s.client.Get(ctx, s.key(ownerID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return plan.Draft{}, false
	}
	if err != nil {
		s.logger.Warn("draft read failed, treating as absent", zap.String("owner_id", ownerID), zap.Error(err))
		return plan.Draft{}, false
	}
	return decode(s.logger, ownerID, raw)
}

func (s *RedisStore) Set(ctx context.Context, ownerID string, d plan.Draft) error {
	raw, err := encode(d)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(ownerID), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("save draft: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, ownerID string) error {
	if err := s.client.Del(ctx, s.key(ownerID)).Err(); err != nil {
		return fmt.Errorf("delete draft: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
