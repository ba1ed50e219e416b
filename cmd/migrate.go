package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/devlink/internal/config"
	"github.com/nextlevelbuilder/devlink/internal/store"
	"github.com/nextlevelbuilder/devlink/internal/store/sqlstore"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			sc, err := storeConfig(cfg.Database)
			if err != nil {
				return err
			}
			if err := sqlstore.Migrate(sc); err != nil {
				return err
			}
			fmt.Printf("Migrations applied (%s).\n", cfg.Database.Driver)
			return nil
		},
	}
}

// storeConfig maps the database section and creates the directory of a
// SQLite file so a fresh install works without setup.
func storeConfig(db config.DatabaseConfig) (store.StoreConfig, error) {
	if db.Driver == sqlstore.DriverSQLite && !strings.HasPrefix(db.DSN, "file:") && db.DSN != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(db.DSN), 0o700); err != nil {
			return store.StoreConfig{}, fmt.Errorf("create database dir: %w", err)
		}
	}
	return store.StoreConfig{
		Driver:        db.Driver,
		DSN:           db.DSN,
		EncryptionKey: db.EncryptionKey,
		MaxOpenConns:  db.MaxOpenConns,
	}, nil
}
