package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DB wraps the gorm handle with the orchestrator's queries.
type DB struct {
	gorm *gorm.DB
}

// Open initializes the SQLite database at path, enables WAL and verifies
// integrity. A failed integrity check is fatal to the process by contract, so
// it is returned as an error for the caller to abort on.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create db dir: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL keeps readers off the writers; busy_timeout covers short lock spans.
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")
	db.Exec("PRAGMA busy_timeout=30000;")
	db.Exec("PRAGMA foreign_keys=ON;")

	var integrity string
	if err := db.Raw("PRAGMA integrity_check;").Scan(&integrity).Error; err != nil {
		return nil, fmt.Errorf("integrity check failed to run: %w", err)
	}
	if !strings.EqualFold(integrity, "ok") {
		return nil, fmt.Errorf("database integrity check failed: %s", integrity)
	}

	if err := db.AutoMigrate(
		&DownloadTask{},
		&UserTaskSubscription{},
		&StoredFile{},
		&UserFile{},
		&TaskHistory{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &DB{gorm: db}, nil
}

// Gorm exposes the underlying handle for transactional composition.
func (d *DB) Gorm() *gorm.DB {
	return d.gorm
}

func (d *DB) Close() error {
	sqlDB, err := d.gorm.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// IsDuplicate reports whether err is a unique-constraint violation. These are
// expected under submission and completion races and are always handled by
// re-querying the winner's row.
func IsDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// NotFound reports whether err is a missing-row error.
func NotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
