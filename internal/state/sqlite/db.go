// Package sqlite provides the embedded single-file state store backend.
package sqlite

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// pragma is a connection setting applied at open time. Optional pragmas are
// allowed to fail with a warning; WAL is unavailable on some filesystems.
type pragma struct {
	stmt     string
	optional bool
}

var openPragmas = []pragma{
	{stmt: "PRAGMA foreign_keys=ON;"},
	{stmt: "PRAGMA journal_mode=WAL;", optional: true},
	{stmt: "PRAGMA busy_timeout=5000;"},
}

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Open opens the state database at path and brings its schema up to date.
// The pool is pinned to a single connection: context writes are
// compare-and-swap over context_version, and a lone writer keeps SQLITE_BUSY
// out of that path entirely.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, p := range openPragmas {
		if _, err := db.Exec(p.stmt); err != nil {
			if p.optional {
				log.Warn().Err(err).Str("pragma", p.stmt).Msg("sqlite: optional pragma skipped")
				continue
			}
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", p.stmt, err)
		}
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// migrate applies the embedded goose migrations that define the context,
// event, message, fact, and result tables.
func migrate(db *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("apply state migrations: %w", err)
	}
	return nil
}
