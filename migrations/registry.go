// Package migrations resolves the embedded mailsync schema for a database
// driver and hands it to a migration runner.
package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"strings"

	mailsync "github.com/goliatone/go-mailsync"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"

	rootPath = "data/sql/migrations"
)

// RegisterFunc receives the migration files for the selected dialect.
type RegisterFunc func(ctx context.Context, dialect string, fsys fs.FS) error

type Option func(*options)

type options struct {
	root fs.FS
}

// WithSource replaces the embedded migration tree. The source must hold the
// data/sql/migrations layout.
func WithSource(root fs.FS) Option {
	return func(o *options) {
		if root != nil {
			o.root = root
		}
	}
}

// DialectForDriver maps a database driver name to its migration dialect.
func DialectForDriver(driver string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "pg", "postgresql":
		return DialectPostgres, nil
	default:
		return "", fmt.Errorf("migrations: unsupported driver %q", driver)
	}
}

// Source returns the migration files for dialect. Postgres files live at the
// root of the tree and sqlite variants in its sqlite directory.
func Source(dialect string, opts ...Option) (fs.FS, error) {
	cfg := options{root: mailsync.GetMigrationsFS()}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	dir := rootPath
	switch dialect {
	case DialectPostgres:
	case DialectSQLite:
		dir += "/sqlite"
	default:
		return nil, fmt.Errorf("migrations: unsupported dialect %q", dialect)
	}
	sub, err := fs.Sub(cfg.root, dir)
	if err != nil {
		return nil, fmt.Errorf("migrations: resolve %s: %w", dir, err)
	}
	matches, err := fs.Glob(sub, "*.up.sql")
	if err != nil {
		return nil, fmt.Errorf("migrations: glob %s: %w", dir, err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("migrations: %s has no *.up.sql files", dir)
	}
	return sub, nil
}

// Register resolves the schema for driver and passes it to registerFn.
func Register(ctx context.Context, driver string, registerFn RegisterFunc, opts ...Option) error {
	if registerFn == nil {
		return fmt.Errorf("migrations: register function is required")
	}
	dialect, err := DialectForDriver(driver)
	if err != nil {
		return err
	}
	fsys, err := Source(dialect, opts...)
	if err != nil {
		return err
	}
	if err := registerFn(ctx, dialect, fsys); err != nil {
		return fmt.Errorf("migrations: register %s: %w", dialect, err)
	}
	return nil
}
