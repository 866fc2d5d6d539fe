package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
)

// Dialect names accepted by NewProvider.
const (
	Postgres = "postgres"
	SQLite   = "sqlite"
)

// NewProvider returns a goose provider over the embedded migrations for dialect.
func NewProvider(dialect string, db *sql.DB) (*goose.Provider, error) {
	var (
		d    goose.Dialect
		fsys fs.FS
	)
	switch dialect {
	case Postgres:
		d, fsys = goose.DialectPostgres, PostgresFS()
	case SQLite:
		d, fsys = goose.DialectSQLite3, SQLiteFS()
	default:
		return nil, fmt.Errorf("unsupported migration dialect %q", dialect)
	}
	return goose.NewProvider(d, db, fsys)
}

// Up applies every pending migration for dialect.
func Up(ctx context.Context, db *sql.DB, dialect string) error {
	p, err := NewProvider(dialect, db)
	if err != nil {
		return err
	}
	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("apply %s migrations: %w", dialect, err)
	}
	return nil
}
