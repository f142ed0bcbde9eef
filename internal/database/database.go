package database

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/notevault/internal/notes"
	"github.com/MarcoPoloResearchLab/notevault/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	// DriverSQLite selects the embedded SQLite store.
	DriverSQLite = "sqlite"
	// DriverMySQL selects a MySQL server.
	DriverMySQL = "mysql"
)

var errMissingDSN = errors.New("database dsn is required")

// Open establishes the store connection, migrates the schema and applies pending data migrations.
func Open(driver, dsn string, logger *zap.Logger) (*gorm.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errMissingDSN
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	case DriverMySQL:
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		// SQLite allows one writer; a single connection serialises vote transactions.
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(
		&users.User{},
		&users.Identity{},
		&users.BanRecord{},
		&notes.Note{},
		&notes.Vote{},
		&migrationRecord{},
	); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	logger.Info("database initialized", zap.String("driver", driver))
	return db, nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
