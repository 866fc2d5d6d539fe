// Package migrations embeds the goose schema migrations for every supported
// database dialect.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed postgres/*.sql sqlite/*.sql
var files embed.FS

// PostgresFS returns the PostgreSQL migrations rooted at the dialect directory.
func PostgresFS() fs.FS {
	sub, err := fs.Sub(files, "postgres")
	if err != nil {
		panic(err)
	}
	return sub
}

// SQLiteFS returns the SQLite migrations rooted at the dialect directory.
func SQLiteFS() fs.FS {
	sub, err := fs.Sub(files, "sqlite")
	if err != nil {
		panic(err)
	}
	return sub
}
