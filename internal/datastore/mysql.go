package datastore

import (
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/markscan/markscan/internal/conf"
	"github.com/markscan/markscan/internal/logger"
)

const (
	mysqlMaxOpenConns    = 10
	mysqlMaxIdleConns    = 5
	mysqlConnMaxLifetime = 30 * time.Minute
)

// MySQLStore implements Interface on a hosted MySQL or MariaDB server.
type MySQLStore struct {
	DataStore
	Settings conf.MySQLSettings
	Debug    bool
}

// Open connects and migrates the schema.
func (store *MySQLStore) Open() error {
	s := store.Settings
	if s.Host == "" || s.Database == "" {
		return fmt.Errorf("mysql host and database are required")
	}

	db, err := gorm.Open(mysql.New(mysql.Config{
		DSN:                       s.DSN(),
		DefaultStringSize:         255,
		DefaultDatetimePrecision:  &datetimePrecision,
		SkipInitializeWithVersion: false,
	}), store.gormConfig())
	if err != nil {
		GetLogger().Error("failed to open MySQL database",
			logger.String("host", s.Host),
			logger.Int("port", s.Port),
			logger.String("database", s.Database),
			logger.Error(err))
		return dbError(fmt.Errorf("failed to open MySQL database: %w", err), BackendMySQL, "open")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to retrieve generic DB object: %w", err)
	}
	sqlDB.SetMaxOpenConns(mysqlMaxOpenConns)
	sqlDB.SetMaxIdleConns(mysqlMaxIdleConns)
	sqlDB.SetConnMaxLifetime(mysqlConnMaxLifetime)

	if err := store.attach(db); err != nil {
		return err
	}

	if store.Debug {
		GetLogger().Info("MySQL database initialized",
			logger.String("host", s.Host),
			logger.String("database", s.Database))
	}
	return nil
}

// Close closes the connection pool.
func (store *MySQLStore) Close() error {
	return store.closeDB()
}

// millisecond precision keeps created_at ordering stable within a second
var datetimePrecision = 3
