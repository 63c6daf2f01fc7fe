package database

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SQLitePrefix selects the sqlite driver, e.g. "sqlite:/var/lib/configpilot.db" or
// "sqlite::memory:".
const SQLitePrefix = "sqlite:"

// Open connects to PostgreSQL, or to SQLite when dsn carries SQLitePrefix.
func Open(dsn string, logLevel logger.LogLevel) (*gorm.DB, error) {
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, SQLitePrefix) {
		dialector = sqlite.Open(strings.TrimPrefix(dsn, SQLitePrefix))
	} else {
		dialector = postgres.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if strings.Contains(dsn, ":memory:") {
		// Every new connection to ":memory:" opens a separate, empty database.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// AutoMigrate creates or updates every table owned by the engine.
func AutoMigrate(db *gorm.DB, log *zap.Logger) error {
	if log != nil {
		log.Info("running database migrations")
	}

	err := db.AutoMigrate(
		&PatternAnalysis{},
		&RecommendationSet{},
		&ApprovalItem{},
		&RecalculationHistory{},
		&PatternWeight{},
		&RecalculationSettings{},
	)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if log != nil {
		log.Info("database migrations completed")
	}
	return nil
}

// Close closes the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
