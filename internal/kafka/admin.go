package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/segmentio/kafka-go"
)

// Admin makes sure the job topic exists and reports whether the cluster is
// reachable.
type Admin struct {
	config *Config
	logger *slog.Logger
}

// NewAdmin validates config and returns an Admin for its topic.
func NewAdmin(config *Config, logger *slog.Logger) (*Admin, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Admin{config: config, logger: logger}, nil
}

// jobTopic is the creation request for the configured job topic. Jobs are
// disposable once handled, so old segments are deleted rather than compacted.
func (c *Config) jobTopic() kafka.TopicConfig {
	return kafka.TopicConfig{
		Topic:             c.Topic,
		NumPartitions:     c.Partitions,
		ReplicationFactor: c.ReplicationFactor,
		ConfigEntries: []kafka.ConfigEntry{
			{ConfigName: "retention.ms", ConfigValue: strconv.FormatInt(c.Retention.Milliseconds(), 10)},
			{ConfigName: "cleanup.policy", ConfigValue: "delete"},
		},
	}
}

// EnsureTopic creates the job topic on the controller when no broker knows it.
func (a *Admin) EnsureTopic(ctx context.Context) error {
	d, err := a.config.dialer()
	if err != nil {
		return err
	}
	conn, err := d.DialContext(ctx, "tcp", a.config.Brokers[0])
	if err != nil {
		return fmt.Errorf("kafka: dial %s: %w", a.config.Brokers[0], err)
	}
	defer conn.Close()

	parts, err := conn.ReadPartitions(a.config.Topic)
	if err == nil && len(parts) > 0 {
		a.logger.Debug("job topic exists", "topic", a.config.Topic, "partitions", len(parts))
		return nil
	}
	if err != nil && !errors.Is(err, kafka.UnknownTopicOrPartition) {
		return fmt.Errorf("kafka: read partitions of %s: %w", a.config.Topic, err)
	}

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("kafka: find controller: %w", err)
	}
	cc, err := d.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("kafka: dial controller: %w", err)
	}
	defer cc.Close()

	if err := cc.CreateTopics(a.config.jobTopic()); err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("kafka: create topic %s: %w", a.config.Topic, err)
	}
	a.logger.Info("job topic created",
		"topic", a.config.Topic,
		"partitions", a.config.Partitions,
		"replication_factor", a.config.ReplicationFactor,
		"retention", a.config.Retention,
	)
	return nil
}

// Ping dials the first broker and reads the cluster metadata. It backs the
// job_queue health check.
func (a *Admin) Ping(ctx context.Context) error {
	d, err := a.config.dialer()
	if err != nil {
		return err
	}
	conn, err := d.DialContext(ctx, "tcp", a.config.Brokers[0])
	if err != nil {
		return fmt.Errorf("kafka: dial %s: %w", a.config.Brokers[0], err)
	}
	defer conn.Close()

	brokers, err := conn.Brokers()
	if err != nil {
		return fmt.Errorf("kafka: read brokers: %w", err)
	}
	if len(brokers) == 0 {
		return errors.New("kafka: cluster reports no brokers")
	}
	return nil
}
