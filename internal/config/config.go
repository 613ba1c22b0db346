// Package config handles configuration loading for the ELI pipeline.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"eli-pipeline/internal/consumer"
	"eli-pipeline/internal/enrichment"
	"eli-pipeline/internal/graph"
	"eli-pipeline/internal/jobs"
	"eli-pipeline/internal/sidechannel"
	"eli-pipeline/internal/storage"
	"eli-pipeline/internal/storage/relational"
	"eli-pipeline/internal/storage/s3"
)

// Config holds the complete application configuration.
type Config struct {
	Server      ServerConfig           `yaml:"server"`
	Ingest      IngestConfig           `yaml:"ingest"`
	Auth        AuthConfig             `yaml:"auth"`
	RateLimit   RateLimitConfig        `yaml:"rate_limit"`
	Logging     LoggingConfig          `yaml:"logging"`
	MockMode    bool                   `yaml:"mock_mode"`
	Database    relational.Config      `yaml:"database"`
	Graph       graph.Config           `yaml:"graph"`
	Archive     *s3.Config             `yaml:"archive"`
	Publisher   jobs.Config            `yaml:"publisher"`
	Worker      WorkerConfig           `yaml:"worker"`
	Insight     InsightConfig          `yaml:"insight"`
	Redis       enrichment.RedisConfig `yaml:"redis"`
	RequestLog  RequestLogConfig       `yaml:"request_log"`
	SideChannel sidechannel.Config     `yaml:"side_channel"`
	Admin       AdminConfig            `yaml:"admin"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// IngestConfig holds ingestion settings.
type IngestConfig struct {
	MaxBatchSize   int `yaml:"max_batch_size"`
	MaxPayloadSize int `yaml:"max_payload_size"`
}

// AuthConfig holds API key settings for the ingest routes.
type AuthConfig struct {
	APIKeyHeader string   `yaml:"api_key_header"`
	APIKeys      []string `yaml:"api_keys"`
	Enabled      bool     `yaml:"enabled"`
}

// RateLimitConfig holds per-IP token bucket settings.
type RateLimitConfig struct {
	Enabled        bool          `yaml:"enabled"`
	RequestsPerSec float64       `yaml:"requests_per_sec"`
	BurstSize      int           `yaml:"burst_size"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	CleanupPeriod  time.Duration `yaml:"cleanup_period"`
	ExemptPaths    []string      `yaml:"exempt_paths"`
	TrustProxy     bool          `yaml:"trust_proxy"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// WorkerConfig holds the enrichment worker settings.
type WorkerConfig struct {
	HTTPPort int                       `yaml:"http_port"`
	Detector enrichment.DetectorConfig `yaml:"detector"`
}

// InsightConfig holds insight generation settings.
type InsightConfig struct {
	LLM          enrichment.LLMConfig `yaml:"llm"`
	LeaseEnabled bool                 `yaml:"lease_enabled"`
}

// RequestLogConfig holds the webhook request log pipeline settings.
type RequestLogConfig struct {
	Enabled     bool                      `yaml:"enabled"`
	QueueSize   int                       `yaml:"queue_size"`
	TTLDays     int                       `yaml:"ttl_days"`
	ClickHouse  storage.ClickHouseConfig  `yaml:"clickhouse"`
	BatchWriter storage.BatchWriterConfig `yaml:"batch_writer"`
	Consumer    consumer.Config           `yaml:"consumer"`
}

// AdminConfig holds the admin route settings.
type AdminConfig struct {
	Token        string        `yaml:"token"`
	TokenHeader  string        `yaml:"token_header"`
	MaxPurgeTime time.Duration `yaml:"max_purge_time"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        5000,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
		},
		Ingest: IngestConfig{
			MaxBatchSize:   1000,
			MaxPayloadSize: 10 * 1024 * 1024, // 10MB
		},
		Auth: AuthConfig{
			APIKeyHeader: "X-API-Key",
			Enabled:      false,
		},
		RateLimit: RateLimitConfig{
			Enabled:        true,
			RequestsPerSec: 50,
			BurstSize:      100,
			IdleTimeout:    10 * time.Minute,
			CleanupPeriod:  5 * time.Minute,
			ExemptPaths:    []string{"/health", "/metrics"},
			TrustProxy:     false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		MockMode:  false,
		Database:  relational.DefaultConfig(),
		Graph:     graph.DefaultConfig(),
		Archive:   s3.DefaultConfig(),
		Publisher: jobs.DefaultConfig(),
		Worker: WorkerConfig{
			HTTPPort: 5001,
			Detector: enrichment.DefaultDetectorConfig(),
		},
		Insight: InsightConfig{
			LLM:          enrichment.DefaultLLMConfig(),
			LeaseEnabled: true,
		},
		Redis: enrichment.DefaultRedisConfig(),
		RequestLog: RequestLogConfig{
			Enabled:     false,
			QueueSize:   10000,
			TTLDays:     30,
			ClickHouse:  storage.DefaultClickHouseConfig(),
			BatchWriter: storage.DefaultBatchWriterConfig(),
			Consumer:    consumer.DefaultConfig(),
		},
		SideChannel: sidechannel.DefaultConfig(),
		Admin: AdminConfig{
			TokenHeader:  "X-Admin-Token",
			MaxPurgeTime: 5 * time.Minute,
		},
	}
}

// Load loads configuration from a file, falling back to defaults, and then
// applies environment overrides.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := os.Getenv("ELI_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case os.IsNotExist(err):
		// Defaults only.
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if port := firstEnv("ELI_HTTP_PORT", "PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			c.Server.HTTPPort = n
		}
	}
	if port := os.Getenv("ELI_WORKER_PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			c.Worker.HTTPPort = n
		}
	}

	if level := os.Getenv("ELI_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if apiKey := os.Getenv("ELI_API_KEY"); apiKey != "" {
		c.Auth.APIKeys = append(c.Auth.APIKeys, apiKey)
		c.Auth.Enabled = true
	}

	if v := os.Getenv("MOCK_MODE"); v != "" {
		c.MockMode = v == "true"
	}

	// Relational store
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
		if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
			c.Database.Driver = "postgres"
		}
	}
	if driver := os.Getenv("DATABASE_DRIVER"); driver != "" {
		c.Database.Driver = driver
	}

	// Graph store
	if uri := os.Getenv("NEO4J_URI"); uri != "" {
		c.Graph.URI = uri
		c.Graph.Enabled = true
	}
	if user := firstEnv("NEO4J_USERNAME", "NEO4J_USER"); user != "" {
		c.Graph.Username = user
	}
	if pass := os.Getenv("NEO4J_PASSWORD"); pass != "" {
		c.Graph.Password = pass
	}
	if db := os.Getenv("NEO4J_DATABASE"); db != "" {
		c.Graph.Database = db
	}
	if v := os.Getenv("NEO4J_ENABLED"); v != "" {
		c.Graph.Enabled = v == "true"
	}

	// Image archive
	if bucket := os.Getenv("S3_BUCKET"); bucket != "" {
		c.Archive.Bucket = bucket
		c.Archive.Enabled = true
	}
	if region := os.Getenv("S3_REGION"); region != "" {
		c.Archive.Region = region
	}
	if endpoint := os.Getenv("S3_ENDPOINT"); endpoint != "" {
		c.Archive.Endpoint = endpoint
		c.Archive.UsePathStyle = true
	}
	if folder := os.Getenv("S3_FOLDER"); folder != "" {
		c.Archive.Folder = folder
	}
	if base := os.Getenv("S3_PUBLIC_BASE_URL"); base != "" {
		c.Archive.PublicBaseURL = base
	}
	if key := os.Getenv("S3_ACCESS_KEY_ID"); key != "" {
		c.Archive.AccessKeyID = key
	}
	if secret := os.Getenv("S3_SECRET_ACCESS_KEY"); secret != "" {
		c.Archive.SecretAccessKey = secret
	}
	if days := os.Getenv("IMAGE_RETENTION_DAYS"); days != "" {
		if n, err := strconv.Atoi(days); err == nil {
			c.Archive.RetentionDays = n
		}
	}

	// Job publisher
	if backend := os.Getenv("PUBLISHER_BACKEND"); backend != "" {
		c.Publisher.Backend = backend
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Publisher.Kafka.Brokers = splitAndTrim(brokers, ",")
	}
	if topic := os.Getenv("KAFKA_TOPIC"); topic != "" {
		c.Publisher.Kafka.Topic = topic
	}
	if group := os.Getenv("KAFKA_CONSUMER_GROUP"); group != "" {
		c.Publisher.Kafka.ConsumerGroup = group
	}
	if url := os.Getenv("NATS_URL"); url != "" {
		c.Publisher.NATS.URL = url
	}

	// Worker dependencies
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
	}
	if pass := os.Getenv("REDIS_PASSWORD"); pass != "" {
		c.Redis.Password = pass
	}
	if url := os.Getenv("DETECTOR_URL"); url != "" {
		c.Worker.Detector.URL = url
	}
	if key := os.Getenv("DETECTOR_API_KEY"); key != "" {
		c.Worker.Detector.APIKey = key
	}
	if key := os.Getenv("LLM_API_KEY"); key != "" {
		c.Insight.LLM.APIKey = key
	}
	if url := os.Getenv("LLM_BASE_URL"); url != "" {
		c.Insight.LLM.BaseURL = url
	}
	if model := os.Getenv("LLM_MODEL"); model != "" {
		c.Insight.LLM.Model = model
	}

	// Request log
	if enabled := os.Getenv("ELI_REQUEST_LOG_ENABLED"); enabled != "" {
		c.RequestLog.Enabled = enabled == "true"
	}
	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.RequestLog.ClickHouse.Hosts = []string{host}
	}
	if db := os.Getenv("CLICKHOUSE_DATABASE"); db != "" {
		c.RequestLog.ClickHouse.Database = db
	}
	if user := os.Getenv("CLICKHOUSE_USER"); user != "" {
		c.RequestLog.ClickHouse.Username = user
	}
	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.RequestLog.ClickHouse.Password = pass
	}

	if token := os.Getenv("ADMIN_TOKEN"); token != "" {
		c.Admin.Token = token
	}

	// Rate limit settings
	if enabled := os.Getenv("ELI_RATELIMIT_ENABLED"); enabled == "false" {
		c.RateLimit.Enabled = false
	}
	if rps := os.Getenv("ELI_RATELIMIT_RPS"); rps != "" {
		if f, err := strconv.ParseFloat(rps, 64); err == nil {
			c.RateLimit.RequestsPerSec = f
		}
	}
	if burst := os.Getenv("ELI_RATELIMIT_BURST"); burst != "" {
		if n, err := strconv.Atoi(burst); err == nil {
			c.RateLimit.BurstSize = n
		}
	}
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// splitAndTrim splits s by sep and drops empty parts.
func splitAndTrim(s, sep string) []string {
	parts := make([]string, 0)
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.Server.HTTPPort)
	}
	if c.Worker.HTTPPort <= 0 || c.Worker.HTTPPort > 65535 {
		return fmt.Errorf("invalid worker http_port: %d", c.Worker.HTTPPort)
	}

	if c.Ingest.MaxBatchSize <= 0 {
		return fmt.Errorf("max_batch_size must be positive")
	}
	if c.Ingest.MaxPayloadSize <= 0 {
		return fmt.Errorf("max_payload_size must be positive")
	}

	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerSec <= 0 || c.RateLimit.BurstSize <= 0) {
		return fmt.Errorf("rate_limit requests_per_sec and burst_size must be positive")
	}

	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}

	if c.Graph.Enabled && c.Graph.URI == "" {
		return fmt.Errorf("graph uri is required when the graph store is enabled")
	}

	if c.Archive == nil {
		return fmt.Errorf("archive configuration is required")
	}
	if err := c.Archive.Validate(); err != nil {
		return err
	}

	switch c.Publisher.Backend {
	case jobs.BackendKafka, jobs.BackendNATS, jobs.BackendNone:
	default:
		return fmt.Errorf("unsupported publisher backend: %q", c.Publisher.Backend)
	}

	if c.RequestLog.Enabled && c.RequestLog.QueueSize <= 0 {
		return fmt.Errorf("request_log queue_size must be positive")
	}

	return nil
}
