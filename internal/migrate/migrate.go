// Package migrate applies the embedded Postgres schema with golang-migrate.
package migrate

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	// registers the pgx5:// scheme
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

//go:embed sql/*.sql
var files embed.FS

// Runner wraps a migrate instance bound to the embedded schema.
type Runner struct {
	m      *migrate.Migrate
	logger *zap.Logger
}

// New opens a runner against dsn.
func New(dsn string, logger *zap.Logger) (*Runner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	src, err := iofs.New(files, "sql")
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, pgx5DSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("init migrate: %w", err)
	}
	m.Log = &migrateLogger{logger: logger}
	return &Runner{m: m, logger: logger}, nil
}

// Up applies every pending migration. A database already at the latest
// version is not an error.
func (r *Runner) Up() error {
	from, err := r.version()
	if err != nil {
		return err
	}
	r.logger.Info("migration started", zap.Uint("version", from))
	if err := r.m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			r.logger.Info("schema already up to date")
			return nil
		}
		return fmt.Errorf("migrate up: %w", err)
	}
	to, _ := r.version()
	r.logger.Info("migration finished", zap.Uint("from", from), zap.Uint("to", to))
	return nil
}

// Down rolls back one migration.
func (r *Runner) Down() error {
	if err := r.m.Steps(-1); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return fmt.Errorf("migrate down: %w", err)
	}
	return nil
}

// Version reports the current schema version, 0 when none is applied.
func (r *Runner) Version() (uint, error) {
	return r.version()
}

func (r *Runner) version() (uint, error) {
	v, dirty, err := r.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	if dirty {
		return v, fmt.Errorf("schema is dirty at version %d", v)
	}
	return v, nil
}

// Close releases the source and database handles.
func (r *Runner) Close() error {
	srcErr, dbErr := r.m.Close()
	return errors.Join(srcErr, dbErr)
}

// pgx5DSN rewrites postgres:// URLs to the scheme the pgx/v5 driver registers.
func pgx5DSN(dsn string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if rest, ok := strings.CutPrefix(dsn, prefix); ok {
			return "pgx5://" + rest
		}
	}
	return dsn
}

type migrateLogger struct {
	logger *zap.Logger
}

func (l *migrateLogger) Printf(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *migrateLogger) Verbose() bool {
	return l.logger.Core().Enabled(zap.DebugLevel)
}
