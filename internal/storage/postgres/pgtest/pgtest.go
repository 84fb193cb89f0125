// README: Test helper that provides a migrated Postgres pool or skips.
package pgtest

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	pg "marketplace/internal/storage/postgres"
)

const tables = "user_blocks, cancellation_tallies, delivery_confirmations, dispatch_offers, order_state_events, orders"

var (
	containerOnce sync.Once
	containerDSN  string
	containerErr  error
)

// Pool returns a pool on a freshly truncated schema.
//
// MARKET_TEST_DSN points at an existing database. MARKET_TEST_CONTAINERS=1
// starts a throwaway postgres container instead. With neither set the test
// is skipped.
func Pool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	dsn := os.Getenv("MARKET_TEST_DSN")
	if dsn == "" && os.Getenv("MARKET_TEST_CONTAINERS") == "1" {
		containerOnce.Do(func() { containerDSN, containerErr = startContainer() })
		if containerErr != nil {
			t.Fatalf("start postgres container: %v", containerErr)
		}
		dsn = containerDSN
	}
	if dsn == "" {
		t.Skip("MARKET_TEST_DSN not set; skipping DB-backed tests")
	}

	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect db: %v", err)
	}
	t.Cleanup(db.Close)

	root, err := repoRoot()
	if err != nil {
		t.Fatalf("locate repo root: %v", err)
	}
	if err := pg.ApplyDir(ctx, db, filepath.Join(root, "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	if _, err := db.Exec(ctx, "TRUNCATE TABLE "+tables); err != nil {
		t.Fatalf("truncate tables: %v", err)
	}
	return db
}

// startContainer runs one container per test binary; the testcontainers
// reaper removes it when the process exits.
func startContainer() (string, error) {
	ctx := context.Background()
	c, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("market_test"),
		postgres.WithUsername("test_user"),
		postgres.WithPassword("test_pass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return "", err
	}
	return c.ConnectionString(ctx, "sslmode=disable")
}

func repoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for i := 0; i < 8; i++ {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", os.ErrNotExist
}
