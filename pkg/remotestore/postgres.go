package remotestore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/layercache/layercache/pkg/cacheerr"
	"github.com/layercache/layercache/pkg/provider"
)

// NewPostgresPool opens a pgxpool against databaseURL and verifies
// connectivity with a ping.
func NewPostgresPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the backing table for a PostgresProvider if it does
// not already exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool, table string) error {
	_, err := pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key         text PRIMARY KEY,
			value       jsonb NOT NULL,
			tags        text[] NOT NULL DEFAULT '{}',
			expires_at  timestamptz,
			created_at  timestamptz NOT NULL DEFAULT now(),
			updated_at  timestamptz NOT NULL DEFAULT now()
		)`, table))
	if err != nil {
		return fmt.Errorf("ensuring schema for %s: %w", table, err)
	}
	return nil
}

// PostgresProvider is a Provider backed by a single table, queried directly
// through pgxpool (no code generation layer — this is a single small table,
// not the multi-tenant relational schema the rest of the corpus queries
// through sqlc).
type PostgresProvider struct {
	name  string
	pool  *pgxpool.Pool
	table string

	hits   atomic.Int64
	misses atomic.Int64
}

// NewPostgresProvider wraps pool as a Provider backed by table, which must
// already exist (see EnsureSchema).
func NewPostgresProvider(name string, pool *pgxpool.Pool, table string) *PostgresProvider {
	return &PostgresProvider{name: name, pool: pool, table: table}
}

func (p *PostgresProvider) Name() string { return p.name }

func (p *PostgresProvider) Get(ctx context.Context, key string) (any, bool, error) {
	var raw []byte
	var expiresAt *time.Time

	row := p.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT value, expires_at FROM %s WHERE key = $1`, p.table), key)
	if err := row.Scan(&raw, &expiresAt); err != nil {
		if err == pgx.ErrNoRows {
			p.misses.Add(1)
			return nil, false, nil
		}
		return nil, false, cacheerr.Wrap(cacheerr.KindProviderError, err, "postgres select failed").WithKey(key).WithProvider(p.name)
	}

	if expiresAt != nil && expiresAt.Before(time.Now()) {
		_, _ = p.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, p.table), key)
		p.misses.Add(1)
		return nil, false, nil
	}

	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, false, cacheerr.Wrap(cacheerr.KindDataIntegrityError, err, "postgres value decode failed").WithKey(key).WithProvider(p.name)
	}
	p.hits.Add(1)
	return value, true, nil
}

func (p *PostgresProvider) Set(ctx context.Context, key string, value any, opts provider.WriteOptions) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return cacheerr.Wrap(cacheerr.KindInvalidValue, err, "postgres value encode failed").WithKey(key).WithProvider(p.name)
	}

	var expiresAt *time.Time
	if opts.TTL > 0 {
		t := time.Now().Add(opts.TTL)
		expiresAt = &t
	}

	_, err = p.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (key, value, tags, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (key) DO UPDATE
			SET value = EXCLUDED.value, tags = EXCLUDED.tags,
			    expires_at = EXCLUDED.expires_at, updated_at = now()
	`, p.table), key, encoded, opts.Tags, expiresAt)
	if err != nil {
		return cacheerr.Wrap(cacheerr.KindProviderError, err, "postgres upsert failed").WithKey(key).WithProvider(p.name)
	}
	return nil
}

func (p *PostgresProvider) Has(ctx context.Context, key string) (bool, error) {
	_, found, err := p.Get(ctx, key)
	return found, err
}

func (p *PostgresProvider) Delete(ctx context.Context, key string) (bool, error) {
	tag, err := p.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, p.table), key)
	if err != nil {
		return false, cacheerr.Wrap(cacheerr.KindProviderError, err, "postgres delete failed").WithKey(key).WithProvider(p.name)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *PostgresProvider) Clear(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, fmt.Sprintf(`TRUNCATE %s`, p.table)); err != nil {
		return cacheerr.Wrap(cacheerr.KindProviderError, err, "postgres truncate failed").WithProvider(p.name)
	}
	return nil
}

func (p *PostgresProvider) Keys(ctx context.Context, pattern string) ([]string, error) {
	sqlPattern := "%"
	if pattern != "" && pattern != "*" {
		sqlPattern = pattern
	}
	rows, err := p.pool.Query(ctx, fmt.Sprintf(`SELECT key FROM %s WHERE key LIKE $1`, p.table), sqlPattern)
	if err != nil {
		return nil, cacheerr.Wrap(cacheerr.KindProviderError, err, "postgres key scan failed").WithProvider(p.name)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, cacheerr.Wrap(cacheerr.KindProviderError, err, "postgres key scan failed").WithProvider(p.name)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (p *PostgresProvider) GetMany(ctx context.Context, keys []string) (map[string]any, error) {
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

func (p *PostgresProvider) SetMany(ctx context.Context, entries map[string]any, opts provider.WriteOptions) error {
	for k, v := range entries {
		if err := p.Set(ctx, k, v, opts); err != nil {
			return err
		}
	}
	return nil
}

// InvalidateByTag deletes every row whose tags column contains tag.
func (p *PostgresProvider) InvalidateByTag(ctx context.Context, tag string) (int, error) {
	tagRes, err := p.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE $1 = ANY(tags)`, p.table), tag)
	if err != nil {
		return 0, cacheerr.Wrap(cacheerr.KindProviderError, err, "postgres tag invalidation failed").WithProvider(p.name)
	}
	return int(tagRes.RowsAffected()), nil
}

func (p *PostgresProvider) Stats(ctx context.Context) (provider.Stats, error) {
	var count int64
	row := p.pool.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, p.table))
	if err := row.Scan(&count); err != nil {
		return provider.Stats{}, cacheerr.Wrap(cacheerr.KindProviderError, err, "postgres count failed").WithProvider(p.name)
	}
	return provider.Stats{
		Hits:     p.hits.Load(),
		Misses:   p.misses.Load(),
		KeyCount: count,
	}, nil
}

func (p *PostgresProvider) HealthCheck(ctx context.Context) (provider.HealthStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := p.pool.Ping(ctx); err != nil {
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
