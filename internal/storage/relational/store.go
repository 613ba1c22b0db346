// Package relational is the authoritative store: events, snapshots and the
// enrichment tables, kept in Postgres (SQLite for local runs and tests) via gorm.
package relational

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"eli-pipeline/internal/storage"
)

// Config holds the relational database configuration.
type Config struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
	SlowQuery       time.Duration `yaml:"slow_query"`
}

// DefaultConfig returns the default relational configuration.
func DefaultConfig() Config {
	return Config{
		Driver:          "sqlite",
		DSN:             "data/eli.sqlite",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		AutoMigrate:     true,
		SlowQuery:       500 * time.Millisecond,
	}
}

// Store wraps the gorm handle.
type Store struct {
	db *gorm.DB
}

// New wraps an already opened handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Open connects to the configured database and, when enabled, migrates the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	gcfg := &gorm.Config{
		Logger: logger.New(slogWriter{}, logger.Config{
			SlowThreshold:             cfg.SlowQuery,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	}

	var dialector gorm.Dialector
	switch strings.ToLower(cfg.Driver) {
	case "postgres", "postgresql", "pg":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite", "sqlite3":
		if err := ensureSQLiteDirectory(cfg.DSN); err != nil {
			return nil, storage.Unavailable("Open", err)
		}
		dialector = gormsqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, gcfg)
	if err != nil {
		return nil, storage.Unavailable("Open", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, storage.Unavailable("Open", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, storage.Unavailable("Ping", err)
	}

	s := New(db)
	if cfg.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
	}

	slog.Info("relational store opened", "driver", cfg.Driver)
	return s, nil
}

// Migrate creates or updates every table.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(AllModels()...); err != nil {
		return storage.Failed("Migrate", "", err)
	}
	return nil
}

// DB returns the underlying handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return storage.Unavailable("Ping", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return storage.Unavailable("Ping", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func ensureSQLiteDirectory(dsn string) error {
	candidate := strings.TrimSpace(dsn)
	if candidate == "" || candidate == ":memory:" || strings.Contains(candidate, "mode=memory") {
		return nil
	}

	candidate = strings.TrimPrefix(candidate, "file:")
	if idx := strings.Index(candidate, "?"); idx >= 0 {
		candidate = candidate[:idx]
	}

	dir := filepath.Dir(candidate)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// slogWriter routes gorm's logger through slog.
type slogWriter struct{}

func (slogWriter) Printf(format string, args ...any) {
	slog.Warn("gorm", "msg", strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
