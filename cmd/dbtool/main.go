package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/pressly/goose/v3"
)

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fatalf("usage: dbtool <migrate-up|migrate-down|migrate-status|scope-smoke> [args]")
	}

	switch os.Args[1] {
	case "migrate-up":
		migrate(os.Args[2:], "up")
	case "migrate-down":
		migrate(os.Args[2:], "down")
	case "migrate-status":
		migrate(os.Args[2:], "status")
	case "scope-smoke":
		scopeSmoke(os.Args[2:])
	default:
		fatalf("unknown subcommand: %s", os.Args[1])
	}
}

func migrate(args []string, command string) {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var url, dir string
	fs.StringVar(&url, "url", "", "postgres connection string (defaults to DATABASE_URL)")
	fs.StringVar(&dir, "dir", "db/migrations", "migrations directory")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}
	if url == "" {
		url = os.Getenv("DATABASE_URL")
	}
	if url == "" {
		fatalf("missing --url (or DATABASE_URL)")
	}

	db, err := sql.Open("pgx", url)
	if err != nil {
		fatal(err)
	}
	defer func() { _ = db.Close() }()

	goose.SetTableName("ops.goose_db_version")
	if err := goose.SetDialect("postgres"); err != nil {
		fatal(err)
	}

	switch command {
	case "up":
		err = goose.Up(db, dir)
	case "down":
		err = goose.Down(db, dir)
	case "status":
		err = goose.Status(db, dir)
	}
	if err != nil {
		fatal(err)
	}
	fmt.Printf("[migrate-%s] OK\n", command)
}

// scopeSmoke verifies that the org GUC the stores set per transaction
// round-trips, and that the policy schema is reachable.
func scopeSmoke(args []string) {
	fs := flag.NewFlagSet("scope-smoke", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var url string
	fs.StringVar(&url, "url", "", "postgres connection string (defaults to DATABASE_URL)")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}
	if url == "" {
		url = os.Getenv("DATABASE_URL")
	}
	if url == "" {
		fatalf("missing --url (or DATABASE_URL)")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, url)
	if err != nil {
		fatal(err)
	}
	defer conn.Close(context.Background())

	tx, err := conn.Begin(ctx)
	if err != nil {
		fatal(err)
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	orgA := "00000000-0000-0000-0000-00000000000a"
	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_org', $1, true);`, orgA); err != nil {
		fatal(err)
	}

	var got string
	if err := tx.QueryRow(ctx, `SELECT current_setting('app.current_org', true);`).Scan(&got); err != nil {
		fatal(err)
	}
	if got != orgA {
		fatalf("expected app.current_org=%s, got %s", orgA, got)
	}

	var count int
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM policy.policies;`).Scan(&count); err != nil {
		fatal(err)
	}

	if err := tx.Commit(ctx); err != nil {
		fatal(err)
	}

	fmt.Println("[scope-smoke] OK")
}

func fatal(err error) {
	if err == nil {
		os.Exit(1)
	}
	fatalf("%v", err)
}

func fatalf(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
