package datastore

import (
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/markscan/markscan/internal/logger"
)

// SQLiteStore implements Interface on an embedded SQLite file.
type SQLiteStore struct {
	DataStore
	Path  string
	Debug bool
}

// Open creates the database file if needed and migrates the schema.
func (store *SQLiteStore) Open() error {
	if store.Path == "" {
		return fmt.Errorf("sqlite path is required")
	}
	if dir := filepath.Dir(store.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := store.Path + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
	db, err := gorm.Open(sqlite.Open(dsn), store.gormConfig())
	if err != nil {
		return dbError(fmt.Errorf("failed to open SQLite database: %w", err), BackendSQLite, "open")
	}

	// one writer keeps SQLite from returning SQLITE_BUSY under concurrent requests
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to retrieve generic DB object: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := store.attach(db); err != nil {
		return err
	}

	if store.Debug {
		GetLogger().Info("SQLite database initialized", logger.String("path", store.Path))
	}
	return nil
}

// Close closes the database handle.
func (store *SQLiteStore) Close() error {
	return store.closeDB()
}
