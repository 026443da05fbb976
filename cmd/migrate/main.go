// Command migrate applies the embedded sybilguard schema migrations via goose.
//
// Usage:
//
//	migrate [-timeout 5m] up          apply all pending migrations
//	migrate down                      roll back the last migration
//	migrate status                    show migration status
//	migrate version                   show current schema version
//	migrate redo                      roll back and re-apply the last migration
//	migrate up-to|down-to <version>
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/mbd888/sybilguard/internal/config"
	"github.com/mbd888/sybilguard/internal/logging"
	"github.com/mbd888/sybilguard/migrations"
)

func main() {
	timeout := flag.Duration("timeout", 5*time.Minute, "abort the migration after this long")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: migrate [-timeout d] <command> [version]")
		fmt.Fprintln(os.Stderr, "Commands: up, down, status, version, redo, up-to <version>, down-to <version>")
	}
	flag.Parse()
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat).With("component", "migrate")
	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	if err := run(ctx, cfg.DatabaseURL, flag.Arg(0), flag.Args()[1:]); err != nil {
		logger.Error("migration failed", "command", flag.Arg(0), "error", err)
		os.Exit(1)
	}
	logger.Info("migration finished", "command", flag.Arg(0))
}

func run(ctx context.Context, dsn, command string, args []string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	return migrations.Run(ctx, db, command, args...)
}
