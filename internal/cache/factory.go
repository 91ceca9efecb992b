package cache

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"optigate/internal/storage"
)

// NewBackend selects the cache backend. A non-empty redisURL takes
// precedence; otherwise the backend shares the relational storage used by
// the rest of the layer.
func NewBackend(ctx context.Context, st storage.Storage, redisURL string) (Backend, error) {
	if redisURL != "" {
		return NewRedisBackend(ctx, redisURL)
	}
	switch st.Type() {
	case storage.TypeSQLite:
		return NewSQLiteBackend(st.SQLiteDB())
	case storage.TypePostgreSQL:
		pool, ok := st.PostgreSQLPool().(*pgxpool.Pool)
		if !ok {
			return nil, fmt.Errorf("invalid PostgreSQL pool type: %T", st.PostgreSQLPool())
		}
		return NewPostgreSQLBackend(ctx, pool)
	default:
		return nil, fmt.Errorf("unsupported storage type for cache backend: %s", st.Type())
	}
}
