package telemetry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"optigate/internal/core"
)

// SQLite has a default limit of 999 bindable parameters per query.
// With 20 columns per call entry, we can safely insert up to 49 entries per batch.
const (
	maxSQLiteParams     = 999
	columnsPerCallEntry = 20
	maxEntriesPerBatch  = maxSQLiteParams / columnsPerCallEntry // 49 entries
)

// SQLiteStore implements CallStore for SQLite databases.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite call store.
// It creates the api_calls table if it doesn't exist.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS api_calls (
			id TEXT PRIMARY KEY,
			provider_type TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			feature_name TEXT NOT NULL,
			request_hash TEXT NOT NULL DEFAULT '',
			cache_key TEXT NOT NULL DEFAULT '',
			was_cached INTEGER NOT NULL DEFAULT 0,
			success INTEGER NOT NULL DEFAULT 0,
			latency_ms REAL NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT '',
			error_code TEXT NOT NULL DEFAULT '',
			estimated_cost REAL NOT NULL DEFAULT 0,
			tokens_used INTEGER NOT NULL DEFAULT 0,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			was_rate_limited INTEGER NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0,
			started_at DATETIME NOT NULL,
			completed_at DATETIME NOT NULL,
			metadata JSON
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
		if _, err := db.Exec(idx); err != nil {
			slog.Warn("failed to create index", "error", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// WriteBatch appends multiple call entries using batch insert.
// Entries are chunked to stay within SQLite's parameter limit.
func (s *SQLiteStore) WriteBatch(ctx context.Context, entries []*CallEntry) error {
	if len(entries) == 0 {
		return nil
	}

	for i := 0; i < len(entries); i += maxEntriesPerBatch {
		end := i + maxEntriesPerBatch
		if end > len(entries) {
			end = len(entries)
		}
		chunk := entries[i:end]

		placeholders := make([]string, len(chunk))
		values := make([]interface{}, 0, len(chunk)*columnsPerCallEntry)

		for j, e := range chunk {
			placeholders[j] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"

			var metadataValue interface{}
			if raw := marshalMetadata(e.Metadata, e.ID); raw != nil {
				metadataValue = string(raw)
			}

			values = append(values,
				e.ID,
				string(e.ProviderType),
				e.Endpoint,
				e.FeatureName,
				e.RequestHash,
				e.CacheKey,
				boolToInt(e.WasCached),
				boolToInt(e.Success),
				e.LatencyMs,
				e.ErrorMessage,
				e.ErrorCode,
				e.EstimatedCost,
				e.TokensUsed,
				e.InputTokens,
				e.OutputTokens,
				boolToInt(e.WasRateLimited),
				e.RetryCount,
				e.StartedAt.UTC().Format(time.RFC3339Nano),
				e.CompletedAt.UTC().Format(time.RFC3339Nano),
				metadataValue,
			)
		}

		query := `INSERT OR IGNORE INTO api_calls (id, provider_type, endpoint, feature_name,
			request_hash, cache_key, was_cached, success, latency_ms, error_message, error_code,
			estimated_cost, tokens_used, input_tokens, output_tokens, was_rate_limited,
			retry_count, started_at, completed_at, metadata) VALUES ` +
			strings.Join(placeholders, ",")

		if _, err := s.db.ExecContext(ctx, query, values...); err != nil {
			return fmt.Errorf("failed to insert call batch %d: %w", i/maxEntriesPerBatch, err)
		}
	}

	return nil
}

// Query returns entries completed within [start, end) matching the filter.
func (s *SQLiteStore) Query(ctx context.Context, start, end time.Time, f Filter) ([]*CallEntry, error) {
	query := `SELECT id, provider_type, endpoint, feature_name, request_hash, cache_key,
		was_cached, success, latency_ms, error_message, error_code, estimated_cost,
		tokens_used, input_tokens, output_tokens, was_rate_limited, retry_count,
		started_at, completed_at, metadata
		FROM api_calls WHERE completed_at >= ? AND completed_at < ?`
	args := []interface{}{
		start.UTC().Format(time.RFC3339Nano),
		end.UTC().Format(time.RFC3339Nano),
	}

	if f.ProviderType != "" {
		query += " AND provider_type = ?"
		args = append(args, string(f.ProviderType))
	}
	if f.Endpoint != "" {
		query += " AND endpoint = ?"
		args = append(args, f.Endpoint)
	}
	if f.FeatureName != "" {
		query += " AND feature_name = ?"
		args = append(args, f.FeatureName)
	}
	query += " ORDER BY completed_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query api_calls: %w", err)
	}
	defer rows.Close()

	var entries []*CallEntry
	for rows.Next() {
		var e CallEntry
		var providerType string
		var wasCached, success, wasRateLimited int
		var startedAt, completedAt string
		var metadata sql.NullString

		if err := rows.Scan(&e.ID, &providerType, &e.Endpoint, &e.FeatureName,
			&e.RequestHash, &e.CacheKey, &wasCached, &success, &e.LatencyMs,
			&e.ErrorMessage, &e.ErrorCode, &e.EstimatedCost, &e.TokensUsed,
			&e.InputTokens, &e.OutputTokens, &wasRateLimited, &e.RetryCount,
			&startedAt, &completedAt, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan api_calls row: %w", err)
		}

		e.ProviderType = core.ProviderType(providerType)
		e.WasCached = wasCached != 0
		e.Success = success != 0
		e.WasRateLimited = wasRateLimited != 0
		e.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		e.CompletedAt, _ = time.Parse(time.RFC3339Nano, completedAt)
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
				slog.Warn("failed to parse call metadata", "error", err, "id", e.ID)
			}
		}

		entries = append(entries, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating api_calls rows: %w", err)
	}

	return entries, nil
}

// DeleteOlderThan removes entries completed before the cutoff.
func (s *SQLiteStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM api_calls WHERE completed_at < ?",
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to delete old call entries: %w", err)
	}
	return result.RowsAffected()
}

// Flush is a no-op for SQLite as writes are synchronous.
func (s *SQLiteStore) Flush(_ context.Context) error {
	return nil
}

// Close is a no-op: the DB handle is managed by the storage layer.
func (s *SQLiteStore) Close() error {
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// marshalMetadata marshals entry metadata to JSON for SQL storage.
// Returns nil if the map is empty, or "{}" if marshaling fails.
func marshalMetadata(data map[string]any, entryID string) []byte {
	if len(data) == 0 {
		return nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		slog.Warn("failed to marshal call metadata", "error", err, "id", entryID)
		return []byte("{}")
	}
	return raw
}
