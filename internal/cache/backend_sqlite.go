package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"optigate/internal/core"
)

// SQLiteBackend persists cache entries in a local SQLite database.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend creates the cache_entries table and indexes if needed.
func NewSQLiteBackend(db *sql.DB) (*SQLiteBackend, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS cache_entries (
		key TEXT PRIMARY KEY,
		provider_type TEXT NOT NULL,
		endpoint TEXT NOT NULL,
		request_hash TEXT NOT NULL,
		response_data TEXT NOT NULL,
		response_metadata TEXT,
		ttl_seconds INTEGER,
		expires_at TIMESTAMP,
		cache_version INTEGER NOT NULL DEFAULT 1,
		hit_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_cache_entries_provider ON cache_entries(provider_type, endpoint);
	CREATE INDEX IF NOT EXISTS idx_cache_entries_expires ON cache_entries(expires_at);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create cache_entries table: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

func (b *SQLiteBackend) Get(ctx context.Context, key string) (*Entry, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT key, provider_type, endpoint, request_hash, response_data,
		       response_metadata, ttl_seconds, expires_at, cache_version, hit_count
		FROM cache_entries WHERE key = ?`, key)

	var e Entry
	var providerType string
	var metadata sql.NullString
	var ttlSeconds sql.NullInt64
	var expiresAt sql.NullTime
	var payload string

	err := row.Scan(&e.Key, &providerType, &e.Endpoint, &e.RequestHash, &payload,
		&metadata, &ttlSeconds, &expiresAt, &e.Version, &e.HitCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}

	e.ProviderType = core.ProviderType(providerType)
	e.Payload = []byte(payload)
	if metadata.Valid {
		e.Metadata = []byte(metadata.String)
	}
	if ttlSeconds.Valid {
		v := ttlSeconds.Int64
		e.TTLSeconds = &v
	}
	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		e.ExpiresAt = &t
	}
	return &e, nil
}

func (b *SQLiteBackend) Upsert(ctx context.Context, e *Entry) error {
	var metadata any
	if len(e.Metadata) > 0 {
		metadata = string(e.Metadata)
	}
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO cache_entries
			(key, provider_type, endpoint, request_hash, response_data,
			 response_metadata, ttl_seconds, expires_at, cache_version, hit_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(key) DO UPDATE SET
			response_data = excluded.response_data,
			response_metadata = excluded.response_metadata,
			ttl_seconds = excluded.ttl_seconds,
			expires_at = excluded.expires_at,
			cache_version = excluded.cache_version,
			hit_count = 0`,
		e.Key, string(e.ProviderType), e.Endpoint, e.RequestHash, string(e.Payload),
		metadata, e.TTLSeconds, e.ExpiresAt, e.Version)
	if err != nil {
		return fmt.Errorf("failed to upsert cache entry: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Delete(ctx context.Context, key string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) IncrementHitCount(ctx context.Context, key string) error {
	_, err := b.db.ExecContext(ctx,
		`UPDATE cache_entries SET hit_count = hit_count + 1 WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to increment hit count: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) DeleteMatching(ctx context.Context, f InvalidateFilter) (int64, error) {
	var conds []string
	var args []any
	if f.ProviderType != "" {
		conds = append(conds, "provider_type = ?")
		args = append(args, string(f.ProviderType))
	}
	if f.Endpoint != "" {
		conds = append(conds, "endpoint = ?")
		args = append(args, f.Endpoint)
	}
	if f.RequestHash != "" {
		conds = append(conds, "request_hash = ?")
		args = append(args, f.RequestHash)
	}

	query := "DELETE FROM cache_entries"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	res, err := b.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete matching cache entries: %w", err)
	}
	return res.RowsAffected()
}

func (b *SQLiteBackend) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := b.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at IS NOT NULL AND expires_at < ?`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired cache entries: %w", err)
	}
	return res.RowsAffected()
}

func (b *SQLiteBackend) Stats(ctx context.Context, providerType core.ProviderType) (*Stats, error) {
	query := `SELECT COUNT(*), COALESCE(SUM(hit_count), 0) FROM cache_entries`
	var args []any
	if providerType != "" {
		query += ` WHERE provider_type = ?`
		args = append(args, string(providerType))
	}

	var stats Stats
	if err := b.db.QueryRowContext(ctx, query, args...).Scan(&stats.TotalEntries, &stats.TotalHits); err != nil {
		return nil, fmt.Errorf("failed to read cache stats: %w", err)
	}
	fillDerivedStats(&stats)
	return &stats, nil
}

// Close is a no-op: the *sql.DB is owned by the storage layer.
func (b *SQLiteBackend) Close() error {
	return nil
}

// fillDerivedStats computes the ratios shared by all backends.
// Hit rate is hits over total lookups (hits plus one initial miss per entry).
func fillDerivedStats(stats *Stats) {
	if stats.TotalEntries > 0 {
		stats.AvgHitsPerEntry = float64(stats.TotalHits) / float64(stats.TotalEntries)
	}
	lookups := stats.TotalHits + stats.TotalEntries
	if lookups > 0 {
		stats.HitRate = float64(stats.TotalHits) / float64(lookups)
	}
}
