package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationFiles embed.FS

func (d Dialect) gooseDialect() (goose.Dialect, error) {
	switch d {
	case Postgres:
		return goose.DialectPostgres, nil
	case SQLite:
		return goose.DialectSQLite3, nil
	default:
		return "", fmt.Errorf("unsupported database dialect %q", d)
	}
}

// MigrationFS returns the embedded migrations for dialect.
func MigrationFS(dialect Dialect) (fs.FS, error) {
	sub, err := fs.Sub(migrationFiles, path.Join("migrations", string(dialect)))
	if err != nil {
		return nil, fmt.Errorf("read migration files: %w", err)
	}
	return sub, nil
}

// RunMigrations applies every pending embedded migration for dialect.
func RunMigrations(ctx context.Context, database *sql.DB, dialect Dialect) error {
	gooseDialect, err := dialect.gooseDialect()
	if err != nil {
		return err
	}

	fsys, err := MigrationFS(dialect)
	if err != nil {
		return err
	}

	provider, err := goose.NewProvider(gooseDialect, database, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
