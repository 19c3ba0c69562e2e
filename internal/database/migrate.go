package database

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/aiox-platform/meter/internal/config"
)

// ErrDirtySchema is returned when a previous migration failed halfway. The
// ledger upserts assume the full schema, so startup stops until an operator
// forces the version.
var ErrDirtySchema = errors.New("database schema is dirty")

// RunMigrations applies all pending up-migrations from cfg.MigrationsPath.
func RunMigrations(cfg config.DBConfig) error {
	m, err := migrate.New("file://"+cfg.MigrationsPath, cfg.DSN())
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	defer m.Close()

	if _, dirty, err := m.Version(); err == nil && dirty {
		return ErrDirtySchema
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("running migrations: %w", err)
	}

	ver, _, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("reading schema version: %w", err)
	}
	slog.Info("database migrations applied", "version", ver, "path", cfg.MigrationsPath)
	return nil
}
