// Command migrate manages the Postgres schema with goose.
//
// DATABASE_URL selects the database; migration scripts are read from the
// migrations/ directory at the repository root.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: migrate <command> [args]")
	fmt.Fprintln(os.Stderr, "commands: up, up-to <version>, down, down-to <version>, status, version, redo")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	if err := run(os.Args[1], os.Args[2:]); err != nil {
		log.Fatalf("migrate %s: %v", os.Args[1], err)
	}
}

func run(command string, args []string) error {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return fmt.Errorf("DATABASE_URL is not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.RunContext(ctx, command, db, "migrations", args...)
}
