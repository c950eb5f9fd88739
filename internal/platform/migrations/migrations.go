// Package migrations embeds and applies the engine's SQL schema using
// pressly/goose/v3, the same migration runner the wider example corpus
// exercises against Postgres-backed integration suites.
package migrations

import (
	"database/sql"
	"embed"

	"github.com/pressly/goose/v3"

	"github.com/pesio-ai/ap-invoice-engine/internal/platform/apperr"
)

//go:embed sql/*.sql
var embedded embed.FS

// Up applies every pending migration against db, using the standard
// database/sql handle goose expects (pgx's stdlib adapter bridges this
// from the pool used everywhere else in the engine).
func Up(db *sql.DB) error {
	goose.SetBaseFS(embedded)
	if err := goose.SetDialect("postgres"); err != nil {
		return apperr.Wrap(err, apperr.KindInternal, "setting goose dialect")
	}
	if err := goose.Up(db, "sql"); err != nil {
		return apperr.Wrap(err, apperr.KindUnavailable, "applying migrations")
	}
	return nil
}

// Status reports the current migration version without applying changes.
func Status(db *sql.DB) error {
	goose.SetBaseFS(embedded)
	if err := goose.SetDialect("postgres"); err != nil {
		return apperr.Wrap(err, apperr.KindInternal, "setting goose dialect")
	}
	return goose.Status(db, "sql")
}
