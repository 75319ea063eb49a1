// Package store opens the rewardd database. Postgres DSNs select the
// production driver; anything else is treated as a SQLite path or URI.
package store

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"help2earn/services/rewardd/models"
)

// Open connects to the database identified by dsn and migrates the schema.
func Open(dsn string) (*gorm.DB, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, fmt.Errorf("store: database dsn required")
	}
	cfg := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		NowFunc:        func() time.Time { return time.Now().UTC() },
		TranslateError: true,
	}

	var (
		db  *gorm.DB
		err error
	)
	if isPostgres(trimmed) {
		db, err = gorm.Open(postgres.Open(trimmed), cfg)
	} else {
		db, err = gorm.Open(sqlite.Open(trimmed), cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if !isPostgres(trimmed) {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("store: sql handle: %w", err)
		}
		// SQLite allows one writer; a single connection serialises
		// transactions instead of surfacing SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
	}
	if err := models.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	slog.Default().Debug("rewardd store ready", slog.String("dialect", db.Dialector.Name()))
	return db, nil
}

// MemoryDSN returns a private shared-cache in-memory SQLite DSN.
func MemoryDSN() string {
	return fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
}

func isPostgres(dsn string) bool {
	lower := strings.ToLower(dsn)
	return strings.HasPrefix(lower, "postgres://") ||
		strings.HasPrefix(lower, "postgresql://") ||
		strings.Contains(lower, "host=")
}
