package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	pipeerrors "eli-pipeline/internal/errors"
	"eli-pipeline/internal/kafka"
)

// producer is the part of *kafka.Producer used here.
type producer interface {
	Produce(ctx context.Context, key, value []byte, headers ...kafka.Header) error
	Topic() string
	Close() error
}

// KafkaPublisher writes jobs to a Kafka topic keyed by event id, so jobs of
// one event land on one partition.
type KafkaPublisher struct {
	producer producer
	timeout  time.Duration
	logger   *slog.Logger
	closed   atomic.Bool
}

// NewKafkaPublisher wraps a producer.
func NewKafkaPublisher(p producer, timeout time.Duration, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaPublisher{producer: p, timeout: timeout, logger: logger}
}

// Publish implements Publisher.
func (k *KafkaPublisher) Publish(ctx context.Context, p Payload) PublishResult {
	if k.closed.Load() {
		return PublishResult{Skipped: true, Reason: ReasonClosed}
	}

	data, err := encode(p)
	if err != nil {
		return failed(BackendKafka, err)
	}

	if k.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, k.timeout)
		defer cancel()
	}

	err = k.producer.Produce(ctx, []byte(p.Key()), data,
		kafka.Header{Key: "content-type", Value: []byte("application/json")},
	)
	if err != nil {
		if errors.Is(err, kafka.ErrProducerClosed) {
			return PublishResult{Skipped: true, Reason: ReasonClosed}
		}
		return failed(BackendKafka, err)
	}

	k.logger.Debug("enrichment job published", "event_id", p.Event.ID, "topic", k.producer.Topic())
	return PublishResult{Published: true, MessageID: p.Key()}
}

// Backend implements Publisher.
func (k *KafkaPublisher) Backend() string { return BackendKafka }

// Close implements Publisher.
func (k *KafkaPublisher) Close() error {
	if k.closed.Swap(true) {
		return nil
	}
	return k.producer.Close()
}

func failed(backend string, err error) PublishResult {
	return PublishResult{
		Skipped: true,
		Reason:  ReasonPublishFailed,
		Err:     &pipeerrors.EnqueueError{Backend: backend, Err: err},
	}
}
