package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"optigate/internal/core"
)

// PostgreSQLStore implements CallStore for PostgreSQL databases.
type PostgreSQLStore struct {
	pool *pgxpool.Pool
}

// NewPostgreSQLStore creates a new PostgreSQL call store.
// It creates the api_calls table if it doesn't exist.
func NewPostgreSQLStore(pool *pgxpool.Pool) (*PostgreSQLStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("connection pool is required")
	}

	ctx := context.Background()

	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS api_calls (
			id UUID PRIMARY KEY,
			provider_type TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			feature_name TEXT NOT NULL,
			request_hash TEXT NOT NULL DEFAULT '',
			cache_key TEXT NOT NULL DEFAULT '',
			was_cached BOOLEAN NOT NULL DEFAULT FALSE,
			success BOOLEAN NOT NULL DEFAULT FALSE,
			latency_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT '',
			error_code TEXT NOT NULL DEFAULT '',
			estimated_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
			tokens_used INTEGER NOT NULL DEFAULT 0,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			was_rate_limited BOOLEAN NOT NULL DEFAULT FALSE,
			retry_count INTEGER NOT NULL DEFAULT 0,
			started_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ NOT NULL,
			metadata JSONB
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create api_calls table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_api_calls_completed_at ON api_calls(completed_at)",
		"CREATE INDEX IF NOT EXISTS idx_api_calls_provider_type ON api_calls(provider_type)",
		"CREATE INDEX IF NOT EXISTS idx_api_calls_feature_name ON api_calls(feature_name)",
	}
	for _, idx := range indexes {
		if _, err := pool.Exec(ctx, idx); err != nil {
			slog.Warn("failed to create index", "error", err)
		}
	}

	return &PostgreSQLStore{pool: pool}, nil
}

// WriteBatch appends multiple call entries using a pgx batch.
func (s *PostgreSQLStore) WriteBatch(ctx context.Context, entries []*CallEntry) error {
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range entries {
		metadataJSON := marshalMetadata(e.Metadata, e.ID)
		batch.Queue(`
			INSERT INTO api_calls (id, provider_type, endpoint, feature_name, request_hash,
				cache_key, was_cached, success, latency_ms, error_message, error_code,
				estimated_cost, tokens_used, input_tokens, output_tokens, was_rate_limited,
				retry_count, started_at, completed_at, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
			ON CONFLICT (id) DO NOTHING
		`, e.ID, string(e.ProviderType), e.Endpoint, e.FeatureName, e.RequestHash,
			e.CacheKey, e.WasCached, e.Success, e.LatencyMs, e.ErrorMessage, e.ErrorCode,
			e.EstimatedCost, e.TokensUsed, e.InputTokens, e.OutputTokens, e.WasRateLimited,
			e.RetryCount, e.StartedAt.UTC(), e.CompletedAt.UTC(), metadataJSON)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	var errs []error
	for i := range entries {
		if _, err := results.Exec(); err != nil {
			errs = append(errs, fmt.Errorf("insert %s: %w", entries[i].ID, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to insert %d of %d call entries: %w", len(errs), len(entries), errors.Join(errs...))
	}
	return nil
}

// Query returns entries completed within [start, end) matching the filter.
func (s *PostgreSQLStore) Query(ctx context.Context, start, end time.Time, f Filter) ([]*CallEntry, error) {
	query := `SELECT id, provider_type, endpoint, feature_name, request_hash, cache_key,
		was_cached, success, latency_ms, error_message, error_code, estimated_cost,
		tokens_used, input_tokens, output_tokens, was_rate_limited, retry_count,
		started_at, completed_at, metadata
		FROM api_calls WHERE completed_at >= $1 AND completed_at < $2`
	args := []interface{}{start.UTC(), end.UTC()}

	if f.ProviderType != "" {
		args = append(args, string(f.ProviderType))
		query += fmt.Sprintf(" AND provider_type = $%d", len(args))
	}
	if f.Endpoint != "" {
		args = append(args, f.Endpoint)
		query += fmt.Sprintf(" AND endpoint = $%d", len(args))
	}
	if f.FeatureName != "" {
		args = append(args, f.FeatureName)
		query += fmt.Sprintf(" AND feature_name = $%d", len(args))
	}
	query += " ORDER BY completed_at"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query api_calls: %w", err)
	}
	defer rows.Close()

	var entries []*CallEntry
	for rows.Next() {
		var e CallEntry
		var providerType string
		var metadata map[string]any

		if err := rows.Scan(&e.ID, &providerType, &e.Endpoint, &e.FeatureName,
			&e.RequestHash, &e.CacheKey, &e.WasCached, &e.Success, &e.LatencyMs,
			&e.ErrorMessage, &e.ErrorCode, &e.EstimatedCost, &e.TokensUsed,
			&e.InputTokens, &e.OutputTokens, &e.WasRateLimited, &e.RetryCount,
			&e.StartedAt, &e.CompletedAt, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan api_calls row: %w", err)
		}

		e.ProviderType = core.ProviderType(providerType)
		e.Metadata = metadata
		entries = append(entries, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating api_calls rows: %w", err)
	}

	return entries, nil
}

// DeleteOlderThan removes entries completed before the cutoff.
func (s *PostgreSQLStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM api_calls WHERE completed_at < $1", cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old call entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Flush is a no-op for PostgreSQL as writes are synchronous.
func (s *PostgreSQLStore) Flush(_ context.Context) error {
	return nil
}

// Close is a no-op: the pool is managed by the storage layer.
func (s *PostgreSQLStore) Close() error {
	return nil
}
