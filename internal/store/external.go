package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// externalTables are the tables an external per-tenant store must carry.
var externalTables = []string{"items", "summaries", "cursor"}

// ProbeExternal validates an external per-tenant store: reachability, the
// vector extension, and the required tables. The result is cached on the
// configuration row as externalDbValid plus an optional error message.
func ProbeExternal(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("unreachable: %w", err)
	}

	var hasVector bool
	if err := pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'vector')`).Scan(&hasVector); err != nil {
		return fmt.Errorf("check vector extension: %w", err)
	}
	if !hasVector {
		return fmt.Errorf("vector extension not installed")
	}

	for _, table := range externalTables {
		var reg *string
		if err := pool.QueryRow(ctx, `SELECT to_regclass($1)::text`, table).Scan(&reg); err != nil {
			return fmt.Errorf("check table %s: %w", table, err)
		}
		if reg == nil {
			return fmt.Errorf("missing table %s", table)
		}
	}

	return nil
}

// OpenExternal opens a per-tenant store. The external store is single-writer
// by construction; it reuses the postgres implementation with the same
// per-configuration scoping.
func OpenExternal(ctx context.Context, url string) (*Postgres, error) {
	return Open(ctx, url)
}
