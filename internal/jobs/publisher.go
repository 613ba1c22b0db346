package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"eli-pipeline/internal/kafka"
)

// Skip reasons.
const (
	ReasonMockMode      = "mock_mode"
	ReasonDisabled      = "disabled"
	ReasonNoBrokers     = "no_brokers"
	ReasonNoTopic       = "no_topic"
	ReasonClosed        = "closed"
	ReasonPublishFailed = "publish_failed"
)

// Backends.
const (
	BackendKafka = "kafka"
	BackendNATS  = "nats"
	BackendNone  = "none"
)

// Config selects and configures the job queue.
type Config struct {
	Backend string        `yaml:"backend"`
	Timeout time.Duration `yaml:"timeout"`
	Kafka   *kafka.Config `yaml:"kafka"`
	NATS    NATSConfig    `yaml:"nats"`
}

// DefaultConfig returns the default publisher configuration: Kafka with the
// default job topic.
func DefaultConfig() Config {
	return Config{
		Backend: BackendKafka,
		Timeout: 5 * time.Second,
		Kafka:   kafka.DefaultConfig(),
		NATS:    DefaultNATSConfig(),
	}
}

// PublishResult reports one publish attempt. Err is set only when a publish
// was attempted and failed.
type PublishResult struct {
	Published bool
	Skipped   bool
	Reason    string
	MessageID string
	Err       error
}

// Publisher enqueues enrichment jobs.
type Publisher interface {
	Publish(ctx context.Context, p Payload) PublishResult
	Backend() string
	Close() error
}

// NewPublisher builds the configured publisher. Mock mode and a missing
// backend return a no-op publisher that reports why jobs are skipped.
func NewPublisher(ctx context.Context, cfg Config, mockMode bool, logger *slog.Logger) (Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if mockMode {
		return NewNoop(ReasonMockMode), nil
	}

	switch cfg.Backend {
	case BackendKafka:
		if cfg.Kafka == nil || len(cfg.Kafka.Brokers) == 0 {
			return NewNoop(ReasonNoBrokers), nil
		}
		if cfg.Kafka.Topic == "" {
			return NewNoop(ReasonNoTopic), nil
		}
		ensureKafkaTopic(ctx, cfg.Kafka, logger)
		producer, err := kafka.NewProducer(cfg.Kafka, logger)
		if err != nil {
			return nil, fmt.Errorf("jobs: kafka producer: %w", err)
		}
		return NewKafkaPublisher(producer, cfg.Timeout, logger), nil
	case BackendNATS:
		if cfg.NATS.URL == "" {
			return NewNoop(ReasonNoBrokers), nil
		}
		if cfg.NATS.Subject == "" {
			return NewNoop(ReasonNoTopic), nil
		}
		return DialNATS(ctx, cfg.NATS, cfg.Timeout, logger)
	case BackendNone, "":
		return NewNoop(ReasonDisabled), nil
	default:
		return nil, fmt.Errorf("jobs: unknown backend %q", cfg.Backend)
	}
}

// Noop skips every job with a fixed reason.
type Noop struct {
	reason string
}

// NewNoop returns a publisher that skips every job with reason.
func NewNoop(reason string) *Noop {
	return &Noop{reason: reason}
}

// Publish implements Publisher.
func (n *Noop) Publish(ctx context.Context, p Payload) PublishResult {
	return PublishResult{Skipped: true, Reason: n.reason}
}

// Backend implements Publisher.
func (n *Noop) Backend() string { return BackendNone }

// Close implements Publisher.
func (n *Noop) Close() error { return nil }

func encode(p Payload) ([]byte, error) {
	if p.Images == nil {
		p.Images = []string{}
	}
	return json.Marshal(p)
}

// ensureKafkaTopic creates the job topic when missing. Failure is logged; the
// producer still starts and the broker's auto-create policy applies.
func ensureKafkaTopic(ctx context.Context, cfg *kafka.Config, logger *slog.Logger) {
	admin, err := kafka.NewAdmin(cfg, logger)
	if err != nil {
		logger.Warn("kafka admin unavailable, job topic not verified", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := admin.EnsureTopic(ctx); err != nil {
		logger.Warn("failed to ensure job topic", "topic", cfg.Topic, "error", err)
	}
}
