// Package store owns the relational schema and every transactional
// boundary: idempotent message ingestion, cursor reads, cascade deletes and
// the token table.
package store

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/themadorg/madgate/internal/config"
	"github.com/themadorg/madgate/internal/crypto"
)

// Store wraps the database handle and the credential keyring. Safe for
// concurrent use; gorm manages the underlying connection pool.
type Store struct {
	db      *gorm.DB
	keyring *crypto.Keyring
	logger  *zap.Logger

	now func() time.Time
}

// Open initializes the database connection for the configured driver and
// migrates the schema.
func Open(cfg config.DBSettings, keyring *crypto.Keyring, log *zap.Logger) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite3", "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	gormCfg := &gorm.Config{}
	if !cfg.Debug {
		gormCfg.Logger = logger.Default.LogMode(logger.Silent)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(allModels()...); err != nil {
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	return &Store{
		db:      db,
		keyring: keyring,
		logger:  log,
		now:     time.Now,
	}, nil
}

// Ping verifies database liveness (used by /ready).
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
