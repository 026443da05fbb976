// Package testutil provides shared test infrastructure for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/mbd888/sybilguard/migrations"
)

// ContainersEnv enables a throwaway Postgres container when POSTGRES_URL is unset.
const ContainersEnv = "SYBILGUARD_TESTCONTAINERS"

// appTables are truncated between tests.
var appTables = []string{"fingerprint_events", "sybil_scores", "sybil_audit_log"}

// PGTest opens a test database connection, applies the embedded goose
// migrations, and returns the *sql.DB plus a cleanup function.
//
// Tests should call this at the top:
//
//	db, cleanup := testutil.PGTest(t)
//	defer cleanup()
//
// The database comes from POSTGRES_URL, or from a postgres container when
// SYBILGUARD_TESTCONTAINERS=1. Otherwise the test is skipped.
// The cleanup function truncates the application tables.
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	dbURL := os.Getenv("POSTGRES_URL")
	stopContainer := func() {}
	if dbURL == "" {
		if os.Getenv(ContainersEnv) != "1" {
			t.Skip("POSTGRES_URL not set, skipping integration test")
		}
		dbURL, stopContainer = startContainer(t)
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		stopContainer()
		t.Fatalf("pgtest: open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		stopContainer()
		t.Fatalf("pgtest: connect to database: %v", err)
	}

	ctx := context.Background()
	if err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		stopContainer()
		t.Fatalf("pgtest: run migrations: %v", err)
	}
	truncateAll(ctx, db)

	cleanup := func() {
		truncateAll(ctx, db)
		_ = db.Close()
		stopContainer()
	}

	return db, cleanup
}

func startContainer(t *testing.T) (string, func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("sybilguard_test"),
		postgres.WithUsername("sybilguard"),
		postgres.WithPassword("sybilguard"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("pgtest: start postgres container: %v", err)
	}

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = testcontainers.TerminateContainer(ctr)
		t.Fatalf("pgtest: container connection string: %v", err)
	}
	return dsn, func() { _ = testcontainers.TerminateContainer(ctr) }
}

func truncateAll(ctx context.Context, db *sql.DB) {
	// Table names are constants, not user input.
	stmt := "TRUNCATE " + strings.Join(appTables, ", ") // #nosec G202
	_, _ = db.ExecContext(ctx, stmt)                     // #nosec G104 -- best-effort cleanup in test teardown
}
