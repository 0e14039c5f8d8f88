package database

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/taskquest/backend/internal/memos"
	"github.com/MarcoPoloResearchLab/taskquest/backend/internal/push"
	"github.com/MarcoPoloResearchLab/taskquest/backend/internal/quests"
	"github.com/MarcoPoloResearchLab/taskquest/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const slowQueryThreshold = 200 * time.Millisecond

// Options configures the SQLite connection.
type Options struct {
	Path     string
	LogLevel string
	Logger   *zap.Logger
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(options Options) (*gorm.DB, error) {
	path := strings.TrimSpace(options.Path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: newGormLogger(options.LogLevel),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&quests.Quest{},
		&memos.Memo{},
		&push.Subscription{},
		&users.Identity{},
	); err != nil {
		return nil, err
	}

	if options.Logger != nil {
		options.Logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

func newGormLogger(level string) gormlogger.Interface {
	var logLevel gormlogger.LogLevel
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "error":
		logLevel = gormlogger.Error
	case "warn":
		logLevel = gormlogger.Warn
	case "info":
		logLevel = gormlogger.Info
	default:
		logLevel = gormlogger.Silent
	}
	return gormlogger.New(log.New(os.Stderr, "", log.LstdFlags), gormlogger.Config{
		SlowThreshold:             slowQueryThreshold,
		LogLevel:                  logLevel,
		IgnoreRecordNotFoundError: true,
	})
}
