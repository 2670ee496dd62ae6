package remotestore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/layercache/layercache/pkg/provider"
)

func newTestRedisProvider(t *testing.T) (*RedisProvider, *miniredis.Miniredis) {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(srv.Close)

	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisProvider("redis", client, "layercache"), srv
}

func TestRedisProviderSetGetRoundTrip(t *testing.T) {
	p, _ := newTestRedisProvider(t)
	ctx := context.Background()

	if err := p.Set(ctx, "k", map[string]any{"n": float64(1)}, provider.WriteOptions{}); err != nil {
		t.Fatal(err)
	}

	v, found, err := p.Get(ctx, "k")
	if err != nil || !found {
		t.Fatalf("Get = (%v, %v, %v), want hit", v, found, err)
	}
	m := v.(map[string]any)
	if m["n"] != float64(1) {
		t.Fatalf("got %v", m)
	}
}

func TestRedisProviderMissReturnsFalseNoError(t *testing.T) {
	p, _ := newTestRedisProvider(t)
	_, found, err := p.Get(context.Background(), "absent")
	if err != nil || found {
		t.Fatalf("Get(absent) = (_, %v, %v), want (false, nil)", found, err)
	}
}

func TestRedisProviderTTLExpiry(t *testing.T) {
	p, srv := newTestRedisProvider(t)
	ctx := context.Background()

	if err := p.Set(ctx, "k", "v", provider.WriteOptions{TTL: time.Second}); err != nil {
		t.Fatal(err)
	}
	srv.FastForward(2 * time.Second)

	_, found, err := p.Get(ctx, "k")
	if err != nil || found {
		t.Fatalf("expected expired key to miss, got (%v, %v)", found, err)
	}
}

func TestRedisProviderInvalidateByTag(t *testing.T) {
	p, _ := newTestRedisProvider(t)
	ctx := context.Background()

	p.Set(ctx, "a", 1, provider.WriteOptions{Tags: []string{"group"}})
	p.Set(ctx, "b", 2, provider.WriteOptions{Tags: []string{"group"}})
	p.Set(ctx, "c", 3, provider.WriteOptions{Tags: []string{"other"}})

	n, err := p.InvalidateByTag(ctx, "group")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("InvalidateByTag removed %d, want 2", n)
	}

	if _, found, _ := p.Get(ctx, "a"); found {
		t.Fatal("a should be invalidated")
	}
	if _, found, _ := p.Get(ctx, "c"); !found {
		t.Fatal("c should remain")
	}
}

func TestRedisProviderDeleteReportsExistence(t *testing.T) {
	p, _ := newTestRedisProvider(t)
	ctx := context.Background()
	p.Set(ctx, "k", "v", provider.WriteOptions{})

	deleted, err := p.Delete(ctx, "k")
	if err != nil || !deleted {
		t.Fatalf("Delete = (%v, %v), want (true, nil)", deleted, err)
	}

	deleted, err = p.Delete(ctx, "k")
	if err != nil || deleted {
		t.Fatalf("second Delete = (%v, %v), want (false, nil)", deleted, err)
	}
}

func TestRedisProviderHealthCheck(t *testing.T) {
	p, srv := newTestRedisProvider(t)
	health, err := p.HealthCheck(context.Background())
	if err != nil || health.State != provider.HealthHealthy {
		t.Fatalf("HealthCheck = (%+v, %v), want healthy", health, err)
	}

	srv.Close()
	health, err = p.HealthCheck(context.Background())
	if err != nil || health.State != provider.HealthUnhealthy {
		t.Fatalf("HealthCheck after close = (%+v, %v), want unhealthy", health, err)
	}
}
