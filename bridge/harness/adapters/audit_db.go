package adapters

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Audit database drivers.
const (
	DriverLibSQL = "libsql" // embedded libsql (cgo)
	DriverSQLite = "sqlite" // pure Go sqlite
)

// OpenAuditDB opens the audit database and brings its schema up to date. For file
// DSNs the parent directory is created first. The driver must be registered by the
// caller (blank import of go-libsql or modernc.org/sqlite).
func OpenAuditDB(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	dialect, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}

	if path := filePath(dsn); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("could not create database directory for %s: %w", path, err)
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection: %w", driver, err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("basic connectivity test failed: %w", err)
	}

	if err := migrate(ctx, db, dialect); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func dialectFor(driver string) (goose.Dialect, error) {
	switch driver {
	case DriverLibSQL:
		return goose.DialectTurso, nil
	case DriverSQLite:
		return goose.DialectSQLite3, nil
	}
	return "", fmt.Errorf("unsupported audit driver %q", driver)
}

func migrate(ctx context.Context, db *sql.DB, dialect goose.Dialect) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	provider, err := goose.NewProvider(dialect, db, fsys)
	if err != nil {
		return fmt.Errorf("failed to create goose provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to run goose migrations: %w", err)
	}
	return nil
}

// filePath extracts the on-disk path from a "file:" DSN or a bare path. In-memory
// and remote DSNs yield "".
func filePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	switch {
	case path == "", strings.Contains(path, ":memory:"), strings.Contains(dsn, "mode=memory"):
		return ""
	case strings.Contains(path, "://"):
		return ""
	}
	return path
}
