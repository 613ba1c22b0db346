// Package kafka carries enrichment jobs between the ingest service and the
// enrichment worker.
package kafka

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"
)

// Config describes the job topic and how producers and consumers reach it.
type Config struct {
	Brokers       []string `yaml:"brokers"`
	Topic         string   `yaml:"topic"`
	ConsumerGroup string   `yaml:"consumer_group"`
	Consumers     int      `yaml:"consumers"`

	// Used only when the topic has to be created.
	Partitions        int           `yaml:"partitions"`
	ReplicationFactor int           `yaml:"replication_factor"`
	Retention         time.Duration `yaml:"retention"`

	Compression string    `yaml:"compression"`
	SASL        SASLAuth  `yaml:"sasl"`
	TLS         TLSConfig `yaml:"tls"`

	// PublishTimeout bounds the single write of one job.
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	RequiredAcks   int           `yaml:"required_acks"`

	// StartFrom is "earliest" or "latest"; it applies to a new group only.
	StartFrom      string        `yaml:"start_from"`
	MaxWait        time.Duration `yaml:"max_wait"`
	CommitInterval time.Duration `yaml:"commit_interval"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
	HandlerTimeout time.Duration `yaml:"handler_timeout"`

	DialTimeout time.Duration `yaml:"dial_timeout"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// SASLAuth enables SASL when Mechanism is set.
type SASLAuth struct {
	Mechanism string `yaml:"mechanism"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

// TLSConfig enables TLS to the brokers.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CAFile     string `yaml:"ca_file"`
	SkipVerify bool   `yaml:"skip_verify"`
}

// DefaultConfig returns settings for a local single-broker cluster.
func DefaultConfig() *Config {
	return &Config{
		Brokers:           []string{"localhost:9092"},
		Topic:             "eli-enrichment-jobs",
		ConsumerGroup:     "eli-enrichment-worker",
		Consumers:         1,
		Partitions:        6,
		ReplicationFactor: 1,
		Retention:         72 * time.Hour,
		Compression:       "snappy",
		PublishTimeout:    5 * time.Second,
		RequiredAcks:      1,
		StartFrom:         "latest",
		MaxWait:           500 * time.Millisecond,
		CommitInterval:    time.Second,
		SessionTimeout:    30 * time.Second,
		HandlerTimeout:    5 * time.Minute,
		DialTimeout:       10 * time.Second,
		ReadTimeout:       30 * time.Second,
	}
}

// Validate checks the settings every client needs.
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka: at least one broker is required")
	}
	if c.Topic == "" {
		return errors.New("kafka: topic is required")
	}
	if c.Partitions < 1 || c.ReplicationFactor < 1 {
		return errors.New("kafka: partitions and replication factor must be at least 1")
	}
	switch c.StartFrom {
	case "", "earliest", "latest":
	default:
		return fmt.Errorf("kafka: start_from must be earliest or latest, got %q", c.StartFrom)
	}
	if c.SASL.Mechanism != "" {
		if _, err := c.SASL.mechanism(); err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		if c.SASL.Username == "" || c.SASL.Password == "" {
			return errors.New("kafka: sasl username and password are required")
		}
	}
	return nil
}

func (c *Config) compression() kafka.Compression {
	switch c.Compression {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return 0
	}
}

func (c *Config) startOffset() int64 {
	if c.StartFrom == "earliest" {
		return kafka.FirstOffset
	}
	return kafka.LastOffset
}

// dialer returns a kafka.Dialer carrying the TLS and SASL settings.
func (c *Config) dialer() (*kafka.Dialer, error) {
	d := &kafka.Dialer{Timeout: c.DialTimeout, DualStack: true}
	if c.TLS.Enabled {
		tc, err := c.TLS.build()
		if err != nil {
			return nil, fmt.Errorf("kafka: tls: %w", err)
		}
		d.TLS = tc
	}
	if c.SASL.Mechanism != "" {
		m, err := c.SASL.mechanism()
		if err != nil {
			return nil, fmt.Errorf("kafka: %w", err)
		}
		d.SASLMechanism = m
	}
	return d, nil
}

func (t TLSConfig) build() (*tls.Config, error) {
	if t.SkipVerify {
		slog.Warn("kafka TLS certificate verification is disabled")
	}
	tc := &tls.Config{InsecureSkipVerify: t.SkipVerify, MinVersion: tls.VersionTLS12}
	if t.CAFile == "" {
		return tc, nil
	}
	pem, err := os.ReadFile(t.CAFile)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates in %s", t.CAFile)
	}
	tc.RootCAs = pool
	return tc, nil
}

func (s SASLAuth) mechanism() (sasl.Mechanism, error) {
	switch s.Mechanism {
	case "PLAIN":
		return plain.Mechanism{Username: s.Username, Password: s.Password}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, s.Username, s.Password)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, s.Username, s.Password)
	default:
		return nil, fmt.Errorf("unsupported sasl mechanism %q", s.Mechanism)
	}
}

// Metrics counts job traffic for one producer or consumer.
type Metrics struct {
	MessagesProduced int64
	BytesProduced    int64
	MessagesConsumed int64
	BytesConsumed    int64
	HandlerErrors    int64
	Errors           int64
	LastError        error
	LastErrorTime    time.Time
}
