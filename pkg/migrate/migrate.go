package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
)

// DefaultDir is the migrations directory inside the embedded filesystem.
const DefaultDir = "migrations"

//go:embed migrations/*.sql
var embedded embed.FS

// FS exposes the bundled migration files.
func FS() fs.FS {
	return embedded
}

// Run executes a standard goose command against the bundled migrations.
func Run(ctx context.Context, db *sql.DB, command string, args ...string) error {
	if db == nil {
		return fmt.Errorf("db is required")
	}

	if err := ValidateFS(embedded, DefaultDir); err != nil {
		return fmt.Errorf("bundled migrations: %w", err)
	}

	goose.SetBaseFS(embedded)
	defer goose.SetBaseFS(nil)

	// schema files use postgres types and partial indexes
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}

	if err := goose.RunContext(ctx, command, db, DefaultDir, args...); err != nil {
		return fmt.Errorf("goose %s: %w", command, err)
	}
	return nil
}
