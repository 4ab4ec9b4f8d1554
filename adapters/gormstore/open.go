package gormstore

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects the database. DSN is a file path or URI for sqlite and a
// connection string for postgres.
type Config struct {
	Driver string
	DSN    string
	// LogSQL logs every statement through gorm's logger.
	LogSQL bool
}

// Open connects to the configured database. SQLite connections are limited
// to one so writers never see SQLITE_BUSY.
func Open(cfg Config) (*gorm.DB, error) {
	var dial gorm.Dialector
	switch cfg.Driver {
	case DriverSQLite, "":
		dial = sqlite.Open(cfg.DSN)
	case DriverPostgres:
		dial = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported driver %q", cfg.Driver)
	}

	gormCfg := &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	}
	if cfg.LogSQL {
		gormCfg.Logger = logger.Default.LogMode(logger.Info)
	}
	db, err := gorm.Open(dial, gormCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", dial.Name(), err)
	}
	if dial.Name() == DriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}
