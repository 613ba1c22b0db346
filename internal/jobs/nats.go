package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSConfig configures the JetStream backend.
type NATSConfig struct {
	URL             string        `yaml:"url"`
	Subject         string        `yaml:"subject"`
	Stream          string        `yaml:"stream"`
	EnsureStream    bool          `yaml:"ensure_stream"`
	MaxAge          time.Duration `yaml:"max_age"`
	DuplicateWindow time.Duration `yaml:"duplicate_window"`
	MaxReconnects   int           `yaml:"max_reconnects"`
	ReconnectWait   time.Duration `yaml:"reconnect_wait"`
	Durable         string        `yaml:"durable"`
	AckWait         time.Duration `yaml:"ack_wait"`
}

// DefaultNATSConfig returns the default JetStream settings. URL is empty, so
// the backend stays off until configured.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		Subject:         "eli.enrichment.jobs",
		Stream:          "ELI_ENRICHMENT",
		EnsureStream:    true,
		MaxAge:          72 * time.Hour,
		DuplicateWindow: 2 * time.Minute,
		MaxReconnects:   -1,
		ReconnectWait:   2 * time.Second,
		Durable:         "eli-enrichment-worker",
		AckWait:         5 * time.Minute,
	}
}

// streamPublisher is the part of jetstream.JetStream used for publishing.
type streamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATSPublisher publishes jobs to a JetStream subject. The event id is the
// message id, so the stream drops duplicates inside its duplicate window.
type NATSPublisher struct {
	js      streamPublisher
	conn    *nats.Conn
	subject string
	timeout time.Duration
	logger  *slog.Logger
	closed  atomic.Bool
}

// DialNATS connects to NATS, optionally creates the stream, and returns a
// publisher. The connection retries in the background when the server is
// down at startup; publishes fail until it is up.
func DialNATS(ctx context.Context, cfg NATSConfig, timeout time.Duration, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	nc, js, err := connectNATS(cfg, "eli-ingest", logger)
	if err != nil {
		return nil, err
	}

	if cfg.EnsureStream && cfg.Stream != "" {
		if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:       cfg.Stream,
			Subjects:   []string{cfg.Subject},
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     cfg.MaxAge,
			Duplicates: cfg.DuplicateWindow,
			Storage:    jetstream.FileStorage,
			Discard:    jetstream.DiscardOld,
		}); err != nil {
			logger.Warn("failed to ensure jetstream stream, publishing anyway",
				"stream", cfg.Stream,
				"error", err,
			)
		}
	}

	logger.Info("nats job publisher initialized", "url", cfg.URL, "subject", cfg.Subject)

	p := NewNATSPublisher(js, cfg.Subject, timeout, logger)
	p.conn = nc
	return p, nil
}

// connectNATS opens a connection that keeps retrying in the background and
// wraps it in a JetStream context.
func connectNATS(cfg NATSConfig, name string, logger *slog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("jobs: nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jobs: jetstream: %w", err)
	}
	return nc, js, nil
}

// NewNATSPublisher wraps an existing JetStream publisher.
func NewNATSPublisher(js streamPublisher, subject string, timeout time.Duration, logger *slog.Logger) *NATSPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSPublisher{js: js, subject: subject, timeout: timeout, logger: logger}
}

// Publish implements Publisher.
func (n *NATSPublisher) Publish(ctx context.Context, p Payload) PublishResult {
	if n.closed.Load() {
		return PublishResult{Skipped: true, Reason: ReasonClosed}
	}

	data, err := encode(p)
	if err != nil {
		return failed(BackendNATS, err)
	}

	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}

	var opts []jetstream.PublishOpt
	if id := p.Key(); id != "" {
		opts = append(opts, jetstream.WithMsgID(id))
	}

	ack, err := n.js.Publish(ctx, n.subject, data, opts...)
	if err != nil {
		return failed(BackendNATS, err)
	}

	id := fmt.Sprintf("%s:%d", ack.Stream, ack.Sequence)
	if ack.Duplicate {
		n.logger.Debug("duplicate enrichment job ignored by stream", "event_id", p.Event.ID)
	}
	return PublishResult{Published: true, MessageID: id}
}

// Backend implements Publisher.
func (n *NATSPublisher) Backend() string { return BackendNATS }

// Close drains the connection.
func (n *NATSPublisher) Close() error {
	if n.closed.Swap(true) {
		return nil
	}
	if n.conn != nil {
		return n.conn.Drain()
	}
	return nil
}
