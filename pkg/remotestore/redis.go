// Package remotestore implements the remote storage adapters (C6): Provider
// backends over Redis and Postgres, each translating its backend's native
// errors into cacheerr.Kind and wire values through JSON.
package remotestore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/layercache/layercache/pkg/cacheerr"
	"github.com/layercache/layercache/pkg/provider"
)

// NewRedisClient parses a Redis URL and pings the resulting client,
// failing fast on a bad DSN or unreachable server.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return client, nil
}

// RedisProvider is a Provider backed by a Redis client. Values are JSON
// encoded; tag membership is mirrored into per-tag Redis sets so
// InvalidateByTag can resolve a tag to its keys without a full scan.
type RedisProvider struct {
	name   string
	rdb    *redis.Client
	prefix string

	hits   atomic.Int64
	misses atomic.Int64
}

// NewRedisProvider wraps rdb as a Provider. Keys are namespaced under
// prefix + ":" to let several providers share one Redis instance.
func NewRedisProvider(name string, rdb *redis.Client, prefix string) *RedisProvider {
	return &RedisProvider{name: name, rdb: rdb, prefix: prefix}
}

func (p *RedisProvider) Name() string { return p.name }

func (p *RedisProvider) wireKey(key string) string { return p.prefix + ":" + key }

func (p *RedisProvider) tagKey(tag string) string { return p.prefix + ":tag:" + tag }

func (p *RedisProvider) Get(ctx context.Context, key string) (any, bool, error) {
	raw, err := p.rdb.Get(ctx, p.wireKey(key)).Bytes()
	if err == redis.Nil {
		p.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, cacheerr.Wrap(cacheerr.KindProviderError, err, "redis get failed").WithKey(key).WithProvider(p.name)
	}

	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, false, cacheerr.Wrap(cacheerr.KindDataIntegrityError, err, "redis value decode failed").WithKey(key).WithProvider(p.name)
	}
	p.hits.Add(1)
	return value, true, nil
}

func (p *RedisProvider) Set(ctx context.Context, key string, value any, opts provider.WriteOptions) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return cacheerr.Wrap(cacheerr.KindInvalidValue, err, "redis value encode failed").WithKey(key).WithProvider(p.name)
	}

	if err := p.rdb.Set(ctx, p.wireKey(key), encoded, opts.TTL).Err(); err != nil {
		return cacheerr.Wrap(cacheerr.KindProviderError, err, "redis set failed").WithKey(key).WithProvider(p.name)
	}

	pipe := p.rdb.Pipeline()
	for _, tag := range opts.Tags {
		pipe.SAdd(ctx, p.tagKey(tag), key)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return cacheerr.Wrap(cacheerr.KindProviderError, err, "redis tag index update failed").WithKey(key).WithProvider(p.name)
	}
	return nil
}

func (p *RedisProvider) Has(ctx context.Context, key string) (bool, error) {
	n, err := p.rdb.Exists(ctx, p.wireKey(key)).Result()
	if err != nil {
		return false, cacheerr.Wrap(cacheerr.KindProviderError, err, "redis exists failed").WithKey(key).WithProvider(p.name)
	}
	return n > 0, nil
}

func (p *RedisProvider) Delete(ctx context.Context, key string) (bool, error) {
	n, err := p.rdb.Del(ctx, p.wireKey(key)).Result()
	if err != nil {
		return false, cacheerr.Wrap(cacheerr.KindProviderError, err, "redis del failed").WithKey(key).WithProvider(p.name)
	}
	return n > 0, nil
}

func (p *RedisProvider) Clear(ctx context.Context) error {
	keys, err := p.rdb.Keys(ctx, p.prefix+":*").Result()
	if err != nil {
		return cacheerr.Wrap(cacheerr.KindProviderError, err, "redis keys scan failed").WithProvider(p.name)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := p.rdb.Del(ctx, keys...).Err(); err != nil {
		return cacheerr.Wrap(cacheerr.KindProviderError, err, "redis clear failed").WithProvider(p.name)
	}
	return nil
}

// Keys lists live keys matching a glob pattern, using SCAN to avoid
// blocking the server on a large keyspace.
func (p *RedisProvider) Keys(ctx context.Context, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "*"
	}
	var out []string
	iter := p.rdb.Scan(ctx, 0, p.prefix+":"+pattern, 0).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val()[len(p.prefix)+1:])
	}
	if err := iter.Err(); err != nil {
		return nil, cacheerr.Wrap(cacheerr.KindProviderError, err, "redis scan failed").WithProvider(p.name)
	}
	return out, nil
}

func (p *RedisProvider) GetMany(ctx context.Context, keys []string) (map[string]any, error) {
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		v, found, err := p.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if found {
			out[k] = v
		}
	}
	return out, nil
}

func (p *RedisProvider) SetMany(ctx context.Context, entries map[string]any, opts provider.WriteOptions) error {
	for k, v := range entries {
		if err := p.Set(ctx, k, v, opts); err != nil {
			return err
		}
	}
	return nil
}

// InvalidateByTag deletes every key recorded under tag's reverse index.
func (p *RedisProvider) InvalidateByTag(ctx context.Context, tag string) (int, error) {
	members, err := p.rdb.SMembers(ctx, p.tagKey(tag)).Result()
	if err != nil {
		return 0, cacheerr.Wrap(cacheerr.KindProviderError, err, "redis tag lookup failed").WithProvider(p.name)
	}
	if len(members) == 0 {
		return 0, nil
	}

	wireKeys := make([]string, len(members))
	for i, k := range members {
		wireKeys[i] = p.wireKey(k)
	}
	n, err := p.rdb.Del(ctx, wireKeys...).Result()
	if err != nil {
		return 0, cacheerr.Wrap(cacheerr.KindProviderError, err, "redis tag invalidation failed").WithProvider(p.name)
	}
	p.rdb.Del(ctx, p.tagKey(tag))
	return int(n), nil
}

func (p *RedisProvider) Stats(ctx context.Context) (provider.Stats, error) {
	count, err := p.rdb.DBSize(ctx).Result()
	if err != nil {
		return provider.Stats{}, cacheerr.Wrap(cacheerr.KindProviderError, err, "redis dbsize failed").WithProvider(p.name)
	}
	return provider.Stats{
		Hits:     p.hits.Load(),
		Misses:   p.misses.Load(),
		KeyCount: count,
	}, nil
}

func (p *RedisProvider) HealthCheck(ctx context.Context) (provider.HealthStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := p.rdb.Ping(ctx).Err(); err != nil {
		return provider.HealthStatus{
			State:     provider.HealthUnhealthy,
			Healthy:   false,
			LastError: err,
			Timestamp: time.Now().UnixMilli(),
		}, nil
	}
	return provider.HealthStatus{
		State:     provider.HealthHealthy,
		Healthy:   true,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}
