package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"

	"streamrelay/internal/job"
	"streamrelay/internal/redisconn"
)

// DefaultRedisKey holds the snapshot document when no key is configured.
const DefaultRedisKey = "relayd:sessions"

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	redisconn.Config `mapstructure:",squash"`
	Key              string `mapstructure:"key"`
}

// RedisStore keeps the snapshot document under a single key. SET replaces it
// atomically, so a concurrent reader never observes a partial snapshot.
type RedisStore struct {
	client redis.UniversalClient
	key    string
}

// NewRedisStore connects to Redis using cfg.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client, err := redisconn.NewClient(ctx, cfg.Config)
	if err != nil {
		return nil, err
	}
	return newRedisStoreWithClient(client, cfg.Key), nil
}

func newRedisStoreWithClient(client redis.UniversalClient, key string) *RedisStore {
	key = strings.TrimSpace(key)
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{client: client, key: key}
}

func (s *RedisStore) Load(ctx context.Context) (map[string]job.Spec, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return make(map[string]job.Spec), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read redis snapshot: %w", err)
	}
	return decodeSnapshot(data)
}

func (s *RedisStore) Save(ctx context.Context, specs map[string]job.Spec) error {
	data, err := encodeSnapshot(specs)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("write redis snapshot: %w", err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
