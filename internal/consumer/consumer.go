// Package consumer drains the webhook request log queue into storage.
package consumer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"eli-pipeline/internal/metrics"
	"eli-pipeline/internal/queue"
	"eli-pipeline/internal/storage"
)

// Config holds the consumer configuration.
type Config struct {
	Workers      int           `yaml:"workers"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ShutdownWait time.Duration `yaml:"shutdown_wait"`
}

// DefaultConfig returns the default consumer configuration.
func DefaultConfig() Config {
	return Config{
		Workers:      2,
		PollInterval: 50 * time.Millisecond,
		ShutdownWait: 10 * time.Second,
	}
}

// Writer receives request log records. *storage.BatchWriter implements it.
type Writer interface {
	Write(req *storage.WebhookRequest) error
	Flush() error
}

// Consumer reads request log records from the queue and writes them.
type Consumer struct {
	queue  *queue.RingBuffer[*storage.WebhookRequest]
	writer Writer
	config Config

	wg   sync.WaitGroup
	done chan struct{}
	once sync.Once

	consumed uint64
	errors   uint64
}

// New creates a new Consumer.
func New(q *queue.RingBuffer[*storage.WebhookRequest], w Writer, cfg Config) *Consumer {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	return &Consumer{
		queue:  q,
		writer: w,
		config: cfg,
		done:   make(chan struct{}),
	}
}

// Start starts the consumer workers.
func (c *Consumer) Start(ctx context.Context) {
	for i := 0; i < c.config.Workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx, i)
	}

	slog.Info("request log consumer started", "workers", c.config.Workers)
}

func (c *Consumer) worker(ctx context.Context, id int) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		req, err := c.queue.PopWithTimeout(c.config.PollInterval)
		metrics.RequestLogQueueDepth.Set(float64(c.queue.Len()))
		if err != nil {
			if errors.Is(err, queue.ErrQueueEmpty) {
				continue
			}
			if errors.Is(err, queue.ErrQueueClosed) {
				return
			}
			slog.Warn("unexpected queue error", "worker_id", id, "error", err)
			atomic.AddUint64(&c.errors, 1)
			continue
		}

		if err := c.writer.Write(req); err != nil {
			slog.Error("failed to write request log record",
				"worker_id", id,
				"request_id", req.ID,
				"path", req.Path,
				"error", err,
			)
			atomic.AddUint64(&c.errors, 1)
			continue
		}

		atomic.AddUint64(&c.consumed, 1)
	}
}

// Stop stops the workers, drains what is left in the queue and flushes.
func (c *Consumer) Stop() {
	c.once.Do(func() { close(c.done) })

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	wait := c.config.ShutdownWait
	if wait <= 0 {
		wait = DefaultConfig().ShutdownWait
	}
	select {
	case <-done:
		slog.Info("request log consumer stopped gracefully")
	case <-time.After(wait):
		slog.Warn("request log consumer shutdown timed out")
	}

	for {
		req, err := c.queue.Pop()
		if err != nil {
			break
		}
		if err := c.writer.Write(req); err != nil {
			atomic.AddUint64(&c.errors, 1)
			continue
		}
		atomic.AddUint64(&c.consumed, 1)
	}

	if err := c.writer.Flush(); err != nil {
		slog.Error("final request log flush failed", "error", err)
	}
}

// Metrics returns consumer statistics.
func (c *Consumer) Metrics() ConsumerMetrics {
	return ConsumerMetrics{
		Consumed: atomic.LoadUint64(&c.consumed),
		Errors:   atomic.LoadUint64(&c.errors),
	}
}

// ConsumerMetrics holds consumer statistics.
type ConsumerMetrics struct {
	Consumed uint64 `json:"consumed"`
	Errors   uint64 `json:"errors"`
}
