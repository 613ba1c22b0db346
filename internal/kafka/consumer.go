package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageHandler processes one consumed message. Its error is logged and
// counted; the message is committed either way.
type MessageHandler func(ctx context.Context, msg Message) error

// Message represents a consumed Kafka message.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   []Header
	Time      time.Time
}

// Header represents a Kafka message header.
type Header struct {
	Key   string
	Value []byte
}

// messageReader is the part of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads messages from the job topic and hands each one to the
// handler exactly once per delivery.
type Consumer struct {
	reader  messageReader
	config  *Config
	logger  *slog.Logger
	handler MessageHandler
	metrics *consumerMetrics
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  atomic.Bool
	started atomic.Bool
}

type consumerMetrics struct {
	messagesConsumed atomic.Int64
	bytesConsumed    atomic.Int64
	handlerErrors    atomic.Int64
	errors           atomic.Int64
	lastOffset       atomic.Int64
	lastError        atomic.Value
	lastErrorTime    atomic.Value
}

// NewConsumer creates a new Kafka consumer.
func NewConsumer(config *Config, handler MessageHandler, logger *slog.Logger) (*Consumer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	if handler == nil {
		return nil, errors.New("kafka: message handler is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	dialer, err := config.dialer()
	if err != nil {
		return nil, err
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:          config.Brokers,
		GroupID:          config.ConsumerGroup,
		Topic:            config.Topic,
		Dialer:           dialer,
		MaxWait:          config.MaxWait,
		ReadBatchTimeout: config.ReadTimeout,
		CommitInterval:   config.CommitInterval,
		StartOffset:      config.startOffset(),
		SessionTimeout:   config.SessionTimeout,
		ReadBackoffMin:   100 * time.Millisecond,
		ReadBackoffMax:   time.Second,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-reader")
		}),
	})

	logger.Info("kafka consumer initialized",
		"brokers", config.Brokers,
		"topic", config.Topic,
		"group", config.ConsumerGroup,
	)

	return newConsumer(reader, config, handler, logger), nil
}

func newConsumer(r messageReader, config *Config, handler MessageHandler, logger *slog.Logger) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		reader:  r,
		config:  config,
		logger:  logger,
		handler: handler,
		metrics: &consumerMetrics{},
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start consumes messages until Stop is called. It blocks.
func (c *Consumer) Start() error {
	if c.started.Swap(true) {
		return errors.New("kafka: consumer already started")
	}

	c.logger.Info("starting kafka consumer",
		"topic", c.config.Topic,
		"group", c.config.ConsumerGroup,
	)

	return c.consumeLoop()
}

// StartAsync begins consuming messages in a goroutine.
func (c *Consumer) StartAsync() error {
	if c.started.Swap(true) {
		return errors.New("kafka: consumer already started")
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.consumeLoop(); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("consumer loop exited with error", "error", err)
		}
	}()

	return nil
}

func (c *Consumer) consumeLoop() error {
	for {
		select {
		case <-c.ctx.Done():
			return c.ctx.Err()
		default:
		}

		kafkaMsg, err := c.reader.FetchMessage(c.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || c.ctx.Err() != nil {
				return c.ctx.Err()
			}

			c.recordError(err)
			c.logger.Error("failed to fetch message",
				"error", err,
				"topic", c.config.Topic,
			)

			select {
			case <-c.ctx.Done():
				return c.ctx.Err()
			case <-time.After(time.Second):
				continue
			}
		}

		c.handle(kafkaMsg)

		if err := c.reader.CommitMessages(c.ctx, kafkaMsg); err != nil {
			c.recordError(err)
			c.logger.Error("failed to commit offset",
				"error", err,
				"offset", kafkaMsg.Offset,
			)
		}

		c.metrics.messagesConsumed.Add(1)
		c.metrics.bytesConsumed.Add(int64(len(kafkaMsg.Value) + len(kafkaMsg.Key)))
		c.metrics.lastOffset.Store(kafkaMsg.Offset)
	}
}

// handle runs the handler with its own deadline. Handler errors and panics
// are recorded but do not stop the loop or block the commit.
func (c *Consumer) handle(kafkaMsg kafka.Message) {
	msg := Message{
		Topic:     kafkaMsg.Topic,
		Partition: kafkaMsg.Partition,
		Offset:    kafkaMsg.Offset,
		Key:       kafkaMsg.Key,
		Value:     kafkaMsg.Value,
		Time:      kafkaMsg.Time,
		Headers:   make([]Header, len(kafkaMsg.Headers)),
	}
	for i, h := range kafkaMsg.Headers {
		msg.Headers[i] = Header{Key: h.Key, Value: h.Value}
	}

	timeout := c.config.HandlerTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(c.ctx, timeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			c.metrics.handlerErrors.Add(1)
			c.logger.Error("message handler panicked", "panic", rec, "offset", msg.Offset)
		}
	}()

	if err := c.handler(ctx, msg); err != nil {
		c.metrics.handlerErrors.Add(1)
		c.logger.Error("message handler failed",
			"error", err,
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
		)
	}
}

func (c *Consumer) recordError(err error) {
	c.metrics.errors.Add(1)
	c.metrics.lastError.Store(err)
	c.metrics.lastErrorTime.Store(time.Now())
}

// GetMetrics returns current consumer metrics.
func (c *Consumer) GetMetrics() Metrics {
	m := Metrics{
		MessagesConsumed: c.metrics.messagesConsumed.Load(),
		BytesConsumed:    c.metrics.bytesConsumed.Load(),
		HandlerErrors:    c.metrics.handlerErrors.Load(),
		Errors:           c.metrics.errors.Load(),
	}

	if err := c.metrics.lastError.Load(); err != nil {
		m.LastError = err.(error)
	}
	if t := c.metrics.lastErrorTime.Load(); t != nil {
		m.LastErrorTime = t.(time.Time)
	}

	return m
}

// Stop gracefully stops the consumer.
func (c *Consumer) Stop() error {
	if c.closed.Swap(true) {
		return nil
	}

	c.logger.Info("stopping kafka consumer",
		"messages_consumed", c.metrics.messagesConsumed.Load(),
		"handler_errors", c.metrics.handlerErrors.Load(),
	)

	c.cancel()
	c.wg.Wait()

	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("kafka: failed to close consumer: %w", err)
	}

	return nil
}

// ConsumerGroup runs several consumers of the same group.
type ConsumerGroup struct {
	consumers []*Consumer
	config    *Config
	logger    *slog.Logger
	mu        sync.Mutex
	started   bool
}

// NewConsumerGroup creates a consumer group with numConsumers consumers.
func NewConsumerGroup(config *Config, numConsumers int, handler MessageHandler, logger *slog.Logger) (*ConsumerGroup, error) {
	if numConsumers < 1 {
		return nil, errors.New("kafka: at least one consumer is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cg := &ConsumerGroup{
		consumers: make([]*Consumer, 0, numConsumers),
		config:    config,
		logger:    logger,
	}

	for i := 0; i < numConsumers; i++ {
		consumer, err := NewConsumer(config, handler, logger.With("consumer_id", i))
		if err != nil {
			for _, c := range cg.consumers {
				c.Stop()
			}
			return nil, fmt.Errorf("kafka: failed to create consumer %d: %w", i, err)
		}
		cg.consumers = append(cg.consumers, consumer)
	}

	return cg, nil
}

// Start starts all consumers in the group.
func (cg *ConsumerGroup) Start() error {
	cg.mu.Lock()
	defer cg.mu.Unlock()

	if cg.started {
		return errors.New("kafka: consumer group already started")
	}

	for i, c := range cg.consumers {
		if err := c.StartAsync(); err != nil {
			for j := 0; j < i; j++ {
				cg.consumers[j].Stop()
			}
			return fmt.Errorf("kafka: failed to start consumer %d: %w", i, err)
		}
	}

	cg.started = true
	cg.logger.Info("consumer group started",
		"num_consumers", len(cg.consumers),
		"topic", cg.config.Topic,
		"group", cg.config.ConsumerGroup,
	)

	return nil
}

// Stop stops all consumers in the group.
func (cg *ConsumerGroup) Stop() error {
	cg.mu.Lock()
	defer cg.mu.Unlock()

	var errs []error
	for i, c := range cg.consumers {
		if err := c.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("consumer %d: %w", i, err))
		}
	}

	cg.started = false
	return errors.Join(errs...)
}

// GetMetrics returns aggregated metrics from all consumers.
func (cg *ConsumerGroup) GetMetrics() Metrics {
	var m Metrics
	for _, c := range cg.consumers {
		cm := c.GetMetrics()
		m.MessagesConsumed += cm.MessagesConsumed
		m.BytesConsumed += cm.BytesConsumed
		m.HandlerErrors += cm.HandlerErrors
		m.Errors += cm.Errors
	}
	return m
}
