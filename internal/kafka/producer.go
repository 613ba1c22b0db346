package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
)

// ErrProducerClosed is returned by Produce after Close.
var ErrProducerClosed = errors.New("kafka: producer is closed")

// messageWriter is the part of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer writes messages to the configured topic. Every write is a single
// attempt: failures are returned to the caller and never retried.
type Producer struct {
	writer  messageWriter
	config  *Config
	logger  *slog.Logger
	metrics *producerMetrics
	closed  atomic.Bool
}

type producerMetrics struct {
	messagesProduced atomic.Int64
	bytesProduced    atomic.Int64
	errors           atomic.Int64
	lastError        atomic.Value // stores error
	lastErrorTime    atomic.Value // stores time.Time
}

// NewProducer creates a new Kafka producer.
func NewProducer(config *Config, logger *slog.Logger) (*Producer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	dialer, err := config.dialer()
	if err != nil {
		return nil, err
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Topic:                  config.Topic,
		Balancer:               &kafka.Hash{},
		BatchSize:              1,
		BatchTimeout:           5 * time.Millisecond,
		MaxAttempts:            1,
		WriteTimeout:           config.PublishTimeout,
		ReadTimeout:            config.ReadTimeout,
		RequiredAcks:           kafka.RequiredAcks(config.RequiredAcks),
		Compression:            config.compression(),
		AllowAutoTopicCreation: false,
		Transport: &kafka.Transport{
			Dial: dialer.DialFunc,
			TLS:  dialer.TLS,
			SASL: dialer.SASLMechanism,
		},
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
	}

	logger.Info("kafka producer initialized",
		"brokers", config.Brokers,
		"topic", config.Topic,
		"compression", config.Compression,
	)

	return newProducer(writer, config, logger), nil
}

func newProducer(w messageWriter, config *Config, logger *slog.Logger) *Producer {
	return &Producer{
		writer:  w,
		config:  config,
		logger:  logger,
		metrics: &producerMetrics{},
	}
}

// Produce writes one message keyed by key. Headers are optional.
func (p *Producer) Produce(ctx context.Context, key, value []byte, headers ...Header) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}

	msg := kafka.Message{
		Key:   key,
		Value: value,
		Time:  time.Now(),
	}
	for _, h := range headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: h.Key, Value: h.Value})
	}

	if p.config.PublishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.PublishTimeout)
		defer cancel()
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.metrics.errors.Add(1)
		p.metrics.lastError.Store(err)
		p.metrics.lastErrorTime.Store(time.Now())
		p.logger.Warn("kafka produce failed", "topic", p.config.Topic, "error", err)
		return fmt.Errorf("kafka: produce to %s: %w", p.config.Topic, err)
	}

	p.metrics.messagesProduced.Add(1)
	p.metrics.bytesProduced.Add(int64(len(msg.Value) + len(msg.Key)))
	return nil
}

// Topic returns the topic messages are written to.
func (p *Producer) Topic() string {
	return p.config.Topic
}

// GetMetrics returns current producer metrics.
func (p *Producer) GetMetrics() Metrics {
	m := Metrics{
		MessagesProduced: p.metrics.messagesProduced.Load(),
		BytesProduced:    p.metrics.bytesProduced.Load(),
		Errors:           p.metrics.errors.Load(),
	}

	if err := p.metrics.lastError.Load(); err != nil {
		m.LastError = err.(error)
	}
	if t := p.metrics.lastErrorTime.Load(); t != nil {
		m.LastErrorTime = t.(time.Time)
	}

	return m
}

// Close closes the producer.
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	p.logger.Info("closing kafka producer",
		"messages_produced", p.metrics.messagesProduced.Load(),
		"errors", p.metrics.errors.Load(),
	)

	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("kafka: failed to close producer: %w", err)
	}

	return nil
}
