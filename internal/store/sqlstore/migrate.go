package sqlstore

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/nextlevelbuilder/devlink/internal/store"
)

//go:embed migrations
var migrationsFS embed.FS

// Migrate applies all pending up-migrations. It opens its own connection so
// closing the migrator does not close the serving pool.
func Migrate(cfg store.StoreConfig) error {
	name, err := sqlDriver(cfg.Driver)
	if err != nil {
		return err
	}

	db, err := sql.Open(name, cfg.DSN)
	if err != nil {
		return fmt.Errorf("open for migrate: %w", err)
	}

	var (
		drv    database.Driver
		dir    string
		dbName string
	)
	switch name {
	case "pgx":
		drv, err = migratepgx.WithInstance(db, &migratepgx.Config{})
		dir, dbName = "migrations/postgres", "pgx5"
	default:
		drv, err = migratesqlite.WithInstance(db, &migratesqlite.Config{})
		dir, dbName = "migrations/sqlite", "sqlite"
	}
	if err != nil {
		db.Close()
		return fmt.Errorf("migrate driver: %w", err)
	}

	src, err := iofs.New(migrationsFS, dir)
	if err != nil {
		drv.Close()
		return fmt.Errorf("migrate source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, dbName, drv)
	if err != nil {
		src.Close()
		drv.Close()
		return fmt.Errorf("migrate init: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	version, dirty, _ := m.Version()
	slog.Info("database migrated", "driver", name, "version", version, "dirty", dirty)
	return nil
}
