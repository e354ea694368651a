package database

import (
	"fmt"
	"strings"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/habibuoy/signalr-demo-aspnc-sub000/internal/users"
	"github.com/habibuoy/signalr-demo-aspnc-sub000/internal/votes"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// InMemoryPath opens a private SQLite database that lives as long as the process.
const InMemoryPath = "file::memory:"

const defaultBusyTimeout = 5 * time.Second

// Options configures Open.
type Options struct {
	Path        string
	BusyTimeout time.Duration
	Logger      *zap.Logger
}

// Open connects to SQLite, creates the vote and voter tables, and applies pending data
// migrations. A single connection serializes writers; ballot writes rely on it together
// with the concurrency tokens.
func Open(opts Options) (*gorm.DB, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	busyTimeout := opts.BusyTimeout
	if busyTimeout <= 0 {
		busyTimeout = defaultBusyTimeout
	}

	db, err := gorm.Open(sqlite.Open(dataSourceName(path, busyTimeout)), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(schemaModels()...); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	applied, err := runMigrations(db, time.Now)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	logger.Info("database initialized",
		zap.String("path", path),
		zap.Strings("migrations_applied", applied))
	return db, nil
}

func dataSourceName(path string, busyTimeout time.Duration) string {
	pragmas := []string{fmt.Sprintf("_pragma=busy_timeout(%d)", busyTimeout.Milliseconds())}
	if !strings.Contains(path, ":memory:") && !strings.Contains(path, "mode=memory") {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)")
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return path + separator + strings.Join(pragmas, "&")
}

func schemaModels() []any {
	models := append([]any{}, votes.Models()...)
	return append(models, &users.User{}, &migrationRecord{})
}
