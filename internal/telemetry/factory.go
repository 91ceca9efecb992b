package telemetry

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"optigate/internal/storage"
)

// NewStore creates the appropriate CallStore for the given storage backend.
func NewStore(store storage.Storage) (CallStore, error) {
	switch store.Type() {
	case storage.TypeSQLite:
		return NewSQLiteStore(store.SQLiteDB())

	case storage.TypePostgreSQL:
		pool := store.PostgreSQLPool()
		if pool == nil {
			return nil, fmt.Errorf("PostgreSQL pool is nil")
		}
		pgxPool, ok := pool.(*pgxpool.Pool)
		if !ok {
			return nil, fmt.Errorf("invalid PostgreSQL pool type: %T", pool)
		}
		return NewPostgreSQLStore(pgxPool)

	default:
		return nil, fmt.Errorf("unknown storage type: %s", store.Type())
	}
}

// New creates an Aggregator backed by the given storage.
func New(store storage.Storage, cfg Config) (*Aggregator, error) {
	callStore, err := NewStore(store)
	if err != nil {
		return nil, fmt.Errorf("failed to create call store: %w", err)
	}
	return NewAggregator(callStore, cfg), nil
}
