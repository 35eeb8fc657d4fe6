package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/agentwire/internal/port/database"
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// Compile-time interface check.
var _ database.Store = (*Store)(nil)

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}
