package store

import (
	"context"
	"path"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/redis/go-redis/v9"
)

var logger = xlog.NewPackageLogger("github.com/genomebench/geneagent", "store")

// The redis cache implements the ResponseCache interface using Redis as the
// backend, so separate benchmark runs can share fetched NCBI responses.
// The keys namespace is organized as `/<prefix>/respcache/<key>`.

// DefaultTTL bounds how long a cached reference-database response is reused.
const DefaultTTL = 24 * time.Hour

type redisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache returns a ResponseCache backed by the given Redis client.
func NewRedisCache(client *redis.Client, prefix string) ResponseCache {
	return &redisCache{
		client: client,
		prefix: prefix,
		ttl:    DefaultTTL,
	}
}

func (m *redisCache) key(key string) string {
	return path.Join(m.prefix, "respcache", key)
}

func (m *redisCache) Get(ctx context.Context, key string) (string, bool) {
	val, err := m.client.Get(ctx, m.key(key)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logger.ContextKV(ctx, xlog.WARNING, "reason", "redis_get", "err", err.Error())
		}
		return "", false
	}
	return val, true
}

func (m *redisCache) Set(ctx context.Context, key, value string) error {
	err := m.client.Set(ctx, m.key(key), value, m.ttl).Err()
	if err != nil {
		return errors.WithMessage(err, "failed to set cache entry")
	}
	return nil
}

func (m *redisCache) Reset(ctx context.Context) error {
	iter := m.client.Scan(ctx, 0, m.key("*"), 0).Iterator()
	for iter.Next(ctx) {
		if err := m.client.Del(ctx, iter.Val()).Err(); err != nil {
			return errors.WithMessage(err, "failed to delete cache entry")
		}
	}
	return errors.WithStack(iter.Err())
}
