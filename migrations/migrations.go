// Package migrations applies xjog's embedded SQL schema files to a
// Postgres database, tracking what has already run in a schema_migrations
// table. There is no SQL-schema migration library anywhere in the
// reference corpus (the one migration tool present, cuemby-warren's
// warren-migrate, is a bespoke bbolt bucket-rename, not a SQL runner), so
// this follows the teacher's own db/postgres_pgx.go style instead: plain
// pgx exec calls, ordered by filename.
package migrations

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/evalgo/xjog/xjogerr"
)

//go:embed sql/*.sql
var sqlFiles embed.FS

// Apply runs every embedded migration not yet recorded in
// xjog_schema_migrations, in filename order, each inside its own
// transaction.
func Apply(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS xjog_schema_migrations (
			filename text PRIMARY KEY,
			applied_at timestamptz NOT NULL DEFAULT now()
		)
	`); err != nil {
		return &xjogerr.ConnectionError{Op: "create schema_migrations", Err: err}
	}

	entries, err := fs.ReadDir(sqlFiles, "sql")
	if err != nil {
		return fmt.Errorf("migrations: read embedded sql dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		var applied bool
		if err := pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM xjog_schema_migrations WHERE filename = $1)`, name).Scan(&applied); err != nil {
			return &xjogerr.ConnectionError{Op: "check migration " + name, Err: err}
		}
		if applied {
			continue
		}

		sqlBytes, err := sqlFiles.ReadFile("sql/" + name)
		if err != nil {
			return fmt.Errorf("migrations: read %s: %w", name, err)
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return &xjogerr.TransactionError{Op: "begin " + name, Err: err}
		}
		if _, err := tx.Exec(ctx, string(sqlBytes)); err != nil {
			_ = tx.Rollback(ctx)
			return &xjogerr.TransactionError{Op: "apply " + name, Err: err}
		}
		if _, err := tx.Exec(ctx, `INSERT INTO xjog_schema_migrations (filename) VALUES ($1)`, name); err != nil {
			_ = tx.Rollback(ctx)
			return &xjogerr.TransactionError{Op: "record " + name, Err: err}
		}
		if err := tx.Commit(ctx); err != nil {
			return &xjogerr.TransactionError{Op: "commit " + name, Err: err}
		}
	}
	return nil
}
