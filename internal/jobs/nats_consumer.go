package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Handler processes one raw job message.
type Handler func(ctx context.Context, data []byte) error

// NATSConsumer delivers jobs from a durable JetStream consumer. Every message
// is acknowledged after the handler returns, whatever the outcome, matching
// the Kafka consumer's commit-regardless behavior.
type NATSConsumer struct {
	conn    *nats.Conn
	consume jetstream.ConsumeContext
	handler Handler
	timeout time.Duration
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

// ConsumeNATS connects, binds the durable consumer and starts delivery.
func ConsumeNATS(ctx context.Context, cfg NATSConfig, handler Handler, handlerTimeout time.Duration, logger *slog.Logger) (*NATSConsumer, error) {
	if handler == nil {
		return nil, errors.New("jobs: handler is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Stream == "" || cfg.Durable == "" {
		return nil, errors.New("jobs: nats stream and durable are required")
	}

	nc, js, err := connectNATS(cfg, "eli-worker", logger)
	if err != nil {
		return nil, err
	}

	cons, err := js.CreateOrUpdateConsumer(ctx, cfg.Stream, jetstream.ConsumerConfig{
		Durable:       cfg.Durable,
		FilterSubject: cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jobs: bind consumer %s: %w", cfg.Durable, err)
	}

	c := newNATSConsumer(handler, handlerTimeout, logger)
	c.conn = nc

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		c.deliver(msg.Data(), func() error { return msg.Ack() })
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jobs: consume %s: %w", cfg.Durable, err)
	}
	c.consume = cc

	logger.Info("nats job consumer started",
		"stream", cfg.Stream,
		"durable", cfg.Durable,
		"subject", cfg.Subject,
	)
	return c, nil
}

func newNATSConsumer(handler Handler, timeout time.Duration, logger *slog.Logger) *NATSConsumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &NATSConsumer{handler: handler, timeout: timeout, logger: logger, ctx: ctx, cancel: cancel}
}

// deliver runs the handler for one message and then acknowledges it.
func (c *NATSConsumer) deliver(data []byte, ack func() error) {
	ctx := c.ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	if err := c.handler(ctx, data); err != nil {
		c.logger.Error("job handler failed", "backend", BackendNATS, "error", err)
	}
	if err := ack(); err != nil {
		c.logger.Warn("failed to ack job", "error", err)
	}
}

// Stop stops delivery and drains the connection.
func (c *NATSConsumer) Stop() error {
	if c.consume != nil {
		c.consume.Stop()
	}
	c.cancel()
	if c.conn != nil {
		return c.conn.Drain()
	}
	return nil
}
