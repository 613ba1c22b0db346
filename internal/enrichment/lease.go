package enrichment

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease is a short-lived exclusive claim on a key. Acquire returns a
// release function when the claim succeeds and ok false when another holder
// has it.
type Lease interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
	MaxRetries   int           `yaml:"max_retries"`
	TLSEnabled   bool          `yaml:"tls_enabled"`
	KeyPrefix    string        `yaml:"key_prefix"`
}

// DefaultRedisConfig returns the default Redis settings. Addr is empty, so
// the lease is off until configured.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MaxRetries:   1,
		KeyPrefix:    "eli:lease:",
	}
}

// RedisLease implements Lease with SET NX PX and a compare-and-delete release.
type RedisLease struct {
	client *redis.Client
	prefix string
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// NewRedisLease connects to Redis.
func NewRedisLease(ctx context.Context, cfg RedisConfig) (*RedisLease, error) {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisLease{client: client, prefix: cfg.KeyPrefix}, nil
}

// Acquire implements Lease.
func (l *RedisLease) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	fullKey := l.prefix + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		releaseScript.Run(ctx, l.client, []string{fullKey}, token)
	}
	return release, true, nil
}

// Close closes the Redis connection.
func (l *RedisLease) Close() error {
	return l.client.Close()
}

// MemoryLease is an in-process Lease for single-worker runs and tests.
type MemoryLease struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

// NewMemoryLease creates a MemoryLease.
func NewMemoryLease() *MemoryLease {
	return &MemoryLease{held: make(map[string]time.Time), now: time.Now}
}

// Acquire implements Lease.
func (l *MemoryLease) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if exp, ok := l.held[key]; ok && now.Before(exp) {
		return nil, false, nil
	}
	exp := now.Add(ttl)
	l.held[key] = exp

	release := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.held[key].Equal(exp) {
			delete(l.held, key)
		}
	}
	return release, true, nil
}
