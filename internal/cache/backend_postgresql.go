package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"optigate/internal/core"
)

// PostgreSQLBackend persists cache entries in PostgreSQL for shared
// deployments where multiple instances serve the same cache.
type PostgreSQLBackend struct {
	pool *pgxpool.Pool
}

// NewPostgreSQLBackend creates the cache_entries table and indexes if needed.
func NewPostgreSQLBackend(ctx context.Context, pool *pgxpool.Pool) (*PostgreSQLBackend, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS cache_entries (
		key TEXT PRIMARY KEY,
		provider_type TEXT NOT NULL,
		endpoint TEXT NOT NULL,
		request_hash TEXT NOT NULL,
		response_data JSONB NOT NULL,
		response_metadata JSONB,
		ttl_seconds BIGINT,
		expires_at TIMESTAMPTZ,
		cache_version INTEGER NOT NULL DEFAULT 1,
		hit_count BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_cache_entries_provider ON cache_entries(provider_type, endpoint);
	CREATE INDEX IF NOT EXISTS idx_cache_entries_expires ON cache_entries(expires_at);
	`
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to create cache_entries table: %w", err)
	}
	return &PostgreSQLBackend{pool: pool}, nil
}

func (b *PostgreSQLBackend) Get(ctx context.Context, key string) (*Entry, error) {
	row := b.pool.QueryRow(ctx, `
		SELECT key, provider_type, endpoint, request_hash, response_data,
		       response_metadata, ttl_seconds, expires_at, cache_version, hit_count
		FROM cache_entries WHERE key = $1`, key)

	var e Entry
	var providerType string
	var metadata []byte
	var ttlSeconds *int64
	var expiresAt *time.Time
	var payload []byte

	err := row.Scan(&e.Key, &providerType, &e.Endpoint, &e.RequestHash, &payload,
		&metadata, &ttlSeconds, &expiresAt, &e.Version, &e.HitCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}

	e.ProviderType = core.ProviderType(providerType)
	e.Payload = payload
	e.Metadata = metadata
	e.TTLSeconds = ttlSeconds
	if expiresAt != nil {
		t := expiresAt.UTC()
		e.ExpiresAt = &t
	}
	return &e, nil
}

func (b *PostgreSQLBackend) Upsert(ctx context.Context, e *Entry) error {
	var metadata any
	if len(e.Metadata) > 0 {
		metadata = []byte(e.Metadata)
	}
	_, err := b.pool.Exec(ctx, `
		INSERT INTO cache_entries
			(key, provider_type, endpoint, request_hash, response_data,
			 response_metadata, ttl_seconds, expires_at, cache_version, hit_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0)
		ON CONFLICT (key) DO UPDATE SET
			response_data = EXCLUDED.response_data,
			response_metadata = EXCLUDED.response_metadata,
			ttl_seconds = EXCLUDED.ttl_seconds,
			expires_at = EXCLUDED.expires_at,
			cache_version = EXCLUDED.cache_version,
			hit_count = 0`,
		e.Key, string(e.ProviderType), e.Endpoint, e.RequestHash, []byte(e.Payload),
		metadata, e.TTLSeconds, e.ExpiresAt, e.Version)
	if err != nil {
		return fmt.Errorf("failed to upsert cache entry: %w", err)
	}
	return nil
}

func (b *PostgreSQLBackend) Delete(ctx context.Context, key string) error {
	if _, err := b.pool.Exec(ctx, `DELETE FROM cache_entries WHERE key = $1`, key); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

func (b *PostgreSQLBackend) IncrementHitCount(ctx context.Context, key string) error {
	_, err := b.pool.Exec(ctx,
		`UPDATE cache_entries SET hit_count = hit_count + 1 WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("failed to increment hit count: %w", err)
	}
	return nil
}

func (b *PostgreSQLBackend) DeleteMatching(ctx context.Context, f InvalidateFilter) (int64, error) {
	var conds []string
	var args []any
	if f.ProviderType != "" {
		args = append(args, string(f.ProviderType))
		conds = append(conds, fmt.Sprintf("provider_type = $%d", len(args)))
	}
	if f.Endpoint != "" {
		args = append(args, f.Endpoint)
		conds = append(conds, fmt.Sprintf("endpoint = $%d", len(args)))
	}
	if f.RequestHash != "" {
		args = append(args, f.RequestHash)
		conds = append(conds, fmt.Sprintf("request_hash = $%d", len(args)))
	}

	query := "DELETE FROM cache_entries"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	tag, err := b.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete matching cache entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (b *PostgreSQLBackend) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := b.pool.Exec(ctx,
		`DELETE FROM cache_entries WHERE expires_at IS NOT NULL AND expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired cache entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (b *PostgreSQLBackend) Stats(ctx context.Context, providerType core.ProviderType) (*Stats, error) {
	query := `SELECT COUNT(*), COALESCE(SUM(hit_count), 0) FROM cache_entries`
	var args []any
	if providerType != "" {
		query += ` WHERE provider_type = $1`
		args = append(args, string(providerType))
	}

	var stats Stats
	if err := b.pool.QueryRow(ctx, query, args...).Scan(&stats.TotalEntries, &stats.TotalHits); err != nil {
		return nil, fmt.Errorf("failed to read cache stats: %w", err)
	}
	fillDerivedStats(&stats)
	return &stats, nil
}

// Close is a no-op: the pool is owned by the storage layer.
func (b *PostgreSQLBackend) Close() error {
	return nil
}
