// Package migrations embeds the goose SQL migrations so the migrate command
// and integration tests apply the same schema without locating files on disk.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"sync"

	"github.com/pressly/goose/v3"
)

// FS holds every *.sql migration in this directory.
//
//go:embed *.sql
var FS embed.FS

var (
	setupOnce sync.Once
	setupErr  error
)

func setup() error {
	setupOnce.Do(func() {
		goose.SetBaseFS(FS)
		setupErr = goose.SetDialect("postgres")
	})
	return setupErr
}

// Up applies every migration that has not run yet.
func Up(ctx context.Context, db *sql.DB) error {
	if err := setup(); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}

// Run executes a goose command ("up", "down", "status", "redo", "up-to", ...)
// against the embedded migrations.
func Run(ctx context.Context, db *sql.DB, command string, args ...string) error {
	if err := setup(); err != nil {
		return err
	}
	return goose.RunContext(ctx, command, db, ".", args...)
}
