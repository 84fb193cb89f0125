// README: Smoke and load runner against a live API started with insecure dev auth; prints PASS/FAIL per case.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

func main() {
	cfg := loadConfig()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	bench := NewRunner(cfg)
	results := bench.RunAll(ctx)

	fmt.Println("\n== Summary ==")
	pass, fail, skipped := 0, 0, 0
	for _, r := range results {
		switch r.Status {
		case statusPass:
			pass++
		case statusFail:
			fail++
		case statusSkip:
			skipped++
		}
	}
	fmt.Printf("PASS=%d FAIL=%d SKIP=%d\n", pass, fail, skipped)

	if fail > 0 || (cfg.Strict && skipped > 0) {
		os.Exit(1)
	}
}

type Config struct {
	BaseURL        string
	DSN            string
	RedisAddr      string
	MigrationPath  string
	ApplyMigration bool
	Strict         bool
	Timeout        time.Duration
	Concurrency    int
	Duration       time.Duration
}

func loadConfig() Config {
	var cfg Config
	pflag.StringVar(&cfg.BaseURL, "base-url", envOrDefault("MARKET_BENCH_BASE_URL", "http://localhost:8080"), "API base URL")
	pflag.StringVar(&cfg.DSN, "dsn", envOrDefault("MARKET_DB_DSN", ""), "Postgres DSN; empty skips DB checks")
	pflag.StringVar(&cfg.RedisAddr, "redis", envOrDefault("MARKET_REDIS_ADDR", ""), "Redis address; empty skips Redis checks")
	pflag.StringVar(&cfg.MigrationPath, "migration", envOrDefault("MARKET_BENCH_MIGRATION", "migrations/0001_init.sql"), "Migration SQL path")
	pflag.BoolVar(&cfg.ApplyMigration, "apply-migration", false, "Apply migration SQL before the cases")
	pflag.BoolVar(&cfg.Strict, "strict", false, "Fail on skipped cases")
	pflag.DurationVar(&cfg.Timeout, "timeout", 2*time.Minute, "Total timeout")
	pflag.IntVar(&cfg.Concurrency, "concurrency", 5, "Couriers racing for one order, and load workers")
	pflag.DurationVar(&cfg.Duration, "duration", 10*time.Second, "Duration of load cases")
	pflag.Parse()
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return cfg
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
