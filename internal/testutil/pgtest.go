// Package testutil provides shared infrastructure for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

// PGTest returns a database with the goose migrations applied, plus a
// cleanup function. POSTGRES_URL points it at an existing database;
// without it a throwaway postgres container is started, and the test is
// skipped when Docker is unavailable.
//
// Tests call this at the top:
//
//	db, cleanup := testutil.PGTest(t)
//	defer cleanup()
//
// The application tables are emptied on entry and again in cleanup, so
// tests can run in any order against a shared database.
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	ctx := context.Background()

	dsn := os.Getenv("POSTGRES_URL")
	var terminate func()
	if dsn == "" {
		ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
			tcpostgres.WithDatabase("escrow_test"),
			tcpostgres.WithUsername("escrow"),
			tcpostgres.WithPassword("escrow"),
			tcpostgres.BasicWaitStrategies(),
		)
		if err != nil {
			t.Skipf("pgtest: docker unavailable, skipping integration test: %v", err)
		}
		terminate = func() { _ = testcontainers.TerminateContainer(ctr) }

		dsn, err = ctr.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			terminate()
			t.Fatalf("pgtest: container connection string: %v", err)
		}
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("pgtest: open database: %v", err)
	}
	db.SetConnMaxLifetime(time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: connect to database: %v", err)
	}

	if err := goose.UpContext(ctx, db, findMigrationsDir(t)); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: run migrations: %v", err)
	}
	resetTables(ctx, db)

	cleanup := func() {
		resetTables(ctx, db)
		_ = db.Close()
		if terminate != nil {
			terminate()
		}
	}
	return db, cleanup
}

// findMigrationsDir walks up from the test working directory to the
// project-level migrations/ directory.
func findMigrationsDir(t *testing.T) string {
	t.Helper()

	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("pgtest: getwd: %v", err)
	}

	for {
		candidate := filepath.Join(dir, "migrations")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatalf("pgtest: could not find migrations/ directory walking up from cwd")
		}
		dir = parent
	}
}

// resetTables empties the application tables and reseeds the escrow
// counter. The goose version table survives so a shared database is not
// re-migrated on the next run.
func resetTables(ctx context.Context, db *sql.DB) {
	_, _ = db.ExecContext(ctx, `TRUNCATE escrows, escrow_fees, escrow_templates,
		treasury_accounts, treasury_entries, treasury_allowances,
		auth_accounts, webhook_subscriptions RESTART IDENTITY`)
	_, _ = db.ExecContext(ctx, `UPDATE escrow_counter SET next_id = 0`)
}
