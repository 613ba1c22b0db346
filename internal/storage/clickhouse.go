package storage

import (
	"context"
	"crypto/tls"
	"errors"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouseConfig locates the request log database.
type ClickHouseConfig struct {
	Hosts           []string      `yaml:"hosts"`
	Database        string        `yaml:"database"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	TLSEnabled      bool          `yaml:"tls_enabled"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
}

// DefaultClickHouseConfig returns a local single-node setup.
func DefaultClickHouseConfig() ClickHouseConfig {
	return ClickHouseConfig{
		Hosts:           []string{"localhost:9000"},
		Database:        "eli",
		Username:        "default",
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
		DialTimeout:     10 * time.Second,
	}
}

// RequestLogDB is the ClickHouse connection behind the webhook request log.
type RequestLogDB struct {
	conn driver.Conn
}

// OpenRequestLog connects to ClickHouse and verifies the connection.
func OpenRequestLog(ctx context.Context, cfg ClickHouseConfig) (*RequestLogDB, error) {
	if len(cfg.Hosts) == 0 {
		return nil, Unavailable("Open", errors.New("no clickhouse hosts configured"))
	}

	opts := &clickhouse.Options{
		Addr: cfg.Hosts,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression:     &clickhouse.Compression{Method: clickhouse.CompressionZSTD},
		DialTimeout:     cfg.DialTimeout,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}
	if cfg.TLSEnabled {
		opts.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, Unavailable("Open", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		conn.Close()
		return nil, Unavailable("Ping", err)
	}
	return &RequestLogDB{conn: conn}, nil
}

// Ping backs the request_log health check.
func (db *RequestLogDB) Ping(ctx context.Context) error {
	if err := db.conn.Ping(ctx); err != nil {
		return Unavailable("Ping", err)
	}
	return nil
}

// Close releases the pool.
func (db *RequestLogDB) Close() error {
	return db.conn.Close()
}

func (db *RequestLogDB) exec(ctx context.Context, op, table, query string, args ...any) error {
	if err := db.conn.Exec(ctx, query, args...); err != nil {
		return Failed(op, table, err)
	}
	return nil
}
