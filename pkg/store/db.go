package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open opens (creating if needed) the sqlite database at path. On-disk
// databases are restricted to the owner because they hold client secrets.
func Open(path string) (*gorm.DB, error) {
	dsn := path
	onDisk := path != "" && path != ":memory:" && !strings.HasPrefix(path, "file:")
	if onDisk {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		dsn = path + "?_busy_timeout=5000&_journal_mode=WAL"
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// sqlite allows one writer; a single connection keeps writes serialized.
	sqlDB.SetMaxOpenConns(1)

	if onDisk {
		if err := os.Chmod(path, 0o600); err != nil {
			return nil, fmt.Errorf("restrict database permissions: %w", err)
		}
	}
	return db, nil
}

// MemoryDSN returns a DSN for a private in-memory database shared by the
// connections of one *gorm.DB.
func MemoryDSN(name string) string {
	return fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
}
