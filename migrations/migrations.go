// Package migrations embeds the goose migration sets for both supported
// database engines. The server applies them at startup when started with
// -migrate; integration tests apply them against throwaway containers.
package migrations

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed postgres/*.sql mysql/*.sql
var files embed.FS

// Up applies all pending migrations for the given engine ("postgres" or
// "mysql").
func Up(db *sql.DB, engine string) error {
	switch engine {
	case "postgres", "mysql":
	default:
		return fmt.Errorf("migrations: unknown engine %q", engine)
	}
	goose.SetBaseFS(files)
	if err := goose.SetDialect(engine); err != nil {
		return fmt.Errorf("migrations: set dialect: %w", err)
	}
	if err := goose.Up(db, engine); err != nil {
		return fmt.Errorf("migrations: up: %w", err)
	}
	return nil
}
