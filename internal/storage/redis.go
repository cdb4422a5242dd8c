package storage

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBackend keeps hashes in a Redis server, one Redis hash per key.
// Redis removes a hash once its last field is deleted, matching the
// empty-equals-absent rule of the other backends.
type RedisBackend struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisBackend creates a backend over a new client for opts
func NewRedisBackend(opts *redis.Options, logger *zap.Logger) *RedisBackend {
	return &RedisBackend{
		client: redis.NewClient(opts),
		logger: logger,
	}
}

func (r *RedisBackend) Name() string { return "redis" }

func (r *RedisBackend) Get(ctx context.Context, key, field string) ([]byte, bool, error) {
	v, err := r.client.HGet(ctx, key, field).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (r *RedisBackend) Set(ctx context.Context, key, field string, value []byte) ([]byte, bool, error) {
	var prev *redis.StringCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		prev = pipe.HGet(ctx, key, field)
		pipe.HSet(ctx, key, field, value)
		return nil
	})
	// the pipeline surfaces redis.Nil from the HGET of a new field
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, false, err
	}

	old, err := prev.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return old, true, nil
}

func (r *RedisBackend) Del(ctx context.Context, key, field string) (bool, error) {
	n, err := r.client.HDel(ctx, key, field).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *RedisBackend) Exists(ctx context.Context, key, field string) (bool, error) {
	return r.client.HExists(ctx, key, field).Result()
}

func (r *RedisBackend) GetAll(ctx context.Context, key string) (map[string][]byte, error) {
	all, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(all))
	for field, v := range all {
		out[field] = []byte(v)
	}
	return out, nil
}

func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}
