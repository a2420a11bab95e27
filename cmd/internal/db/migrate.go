// Package db owns the schema: embedded migrations plus a runner.
package db

import (
	"embed"
	"errors"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MigrateUp applies all pending migrations against databaseURL.
// Already up to date is not an error.
func MigrateUp(databaseURL string, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return err
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil || dbErr != nil {
			log.Warn("db.migrate.close", "source_error", srcErr, "db_error", dbErr)
		}
	}()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info("db.migrate.noop")
			return nil
		}
		return err
	}

	log.Info("db.migrate.up")
	return nil
}

// MigrateDown rolls the schema back entirely. Destructive; intended for
// development and test databases only.
func MigrateDown(databaseURL string, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return err
	}
	defer func() { _, _ = m.Close() }()

	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	log.Warn("db.migrate.down")
	return nil
}
