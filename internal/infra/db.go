// README: Postgres connection pool initialization using pgxpool.
package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewDB opens a pool and pings it, retrying while the database comes up.
func NewDB(ctx context.Context, dsn string, attempts int, backoff time.Duration) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	for i := 1; ; i++ {
		err = pool.Ping(ctx)
		if err == nil {
			return pool, nil
		}
		if i >= attempts {
			break
		}
		select {
		case <-ctx.Done():
			pool.Close()
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	pool.Close()
	return nil, fmt.Errorf("ping db after %d attempts: %w", attempts, err)
}
