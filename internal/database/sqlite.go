package database

import (
	"errors"
	"fmt"
	"strings"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const memoryPath = ":memory:"

var (
	// ErrMissingPath indicates that no database path was supplied.
	ErrMissingPath = errors.New("database: path is required")

	connectionPragmas = []string{
		"foreign_keys(1)",
		"journal_mode(MEMORY)",
		"temp_store(MEMORY)",
		"cache_size(32768)",
		"busy_timeout(5000)",
	}
)

// OpenSQLite establishes a SQLite connection and brings the schema up to date.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(path) == "" {
		return nil, ErrMissingPath
	}

	db, err := gorm.Open(sqlite.Open(buildDSN(path)), &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("database: open %s: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := applyMigrations(db, logger, schemaMigrations); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	logger.Info("database initialized", zap.String("path", path))
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

// IsMemory reports whether the path refers to an in-memory database that has
// no backing file.
func IsMemory(path string) bool {
	trimmed := strings.TrimSpace(path)
	if trimmed == memoryPath || trimmed == "" {
		return true
	}
	return strings.Contains(trimmed, "mode=memory") || strings.HasPrefix(trimmed, "file::memory:")
}

// FilePath strips URI decoration from a database path so the backing file can
// be read directly.
func FilePath(path string) string {
	trimmed := strings.TrimPrefix(strings.TrimSpace(path), "file:")
	if index := strings.IndexByte(trimmed, '?'); index >= 0 {
		trimmed = trimmed[:index]
	}
	return trimmed
}

func buildDSN(path string) string {
	params := make([]string, 0, len(connectionPragmas))
	for _, pragma := range connectionPragmas {
		params = append(params, "_pragma="+pragma)
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return path + separator + strings.Join(params, "&")
}
