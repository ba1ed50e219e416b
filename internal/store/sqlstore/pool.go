// Package sqlstore implements store.DeviceStore on database/sql through sqlx.
// Postgres (pgx driver) is used in production; SQLite (modernc, pure Go) backs
// standalone installs and tests.
package sqlstore

import (
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/devlink/internal/store"
)

// Driver names accepted in store.StoreConfig.Driver.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

func init() {
	// modernc registers as "sqlite", which sqlx does not know by default.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// sqlDriver maps a config driver name to the registered database/sql driver.
func sqlDriver(driver string) (string, error) {
	switch driver {
	case DriverPostgres, "pgx":
		return "pgx", nil
	case DriverSQLite, "":
		return "sqlite", nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", driver)
	}
}

// Open connects and pings the configured database.
func Open(cfg store.StoreConfig) (*sqlx.DB, error) {
	name, err := sqlDriver(cfg.Driver)
	if err != nil {
		return nil, err
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}

	db, err := sqlx.Open(name, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}

	switch name {
	case "sqlite":
		// A single writer avoids SQLITE_BUSY between pooled connections.
		db.SetMaxOpenConns(1)
	default:
		maxOpen := cfg.MaxOpenConns
		if maxOpen <= 0 {
			maxOpen = 25
		}
		db.SetMaxOpenConns(maxOpen)
		db.SetMaxIdleConns(10)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
	}

	slog.Info("database connected", "driver", name, "dsn_len", len(cfg.DSN))
	return db, nil
}
