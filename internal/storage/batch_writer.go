package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// BatchWriterConfig holds configuration for the batch writer.
type BatchWriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// DefaultBatchWriterConfig returns the default batch writer configuration.
func DefaultBatchWriterConfig() BatchWriterConfig {
	return BatchWriterConfig{
		BatchSize:     500,
		FlushInterval: 5 * time.Second,
		MaxRetries:    3,
		RetryDelay:    time.Second,
	}
}

const insertWebhookRequests = `
	INSERT INTO webhook_requests (
		id, received_at, method, path, status, host, source_ip,
		user_agent, content_type, headers, body_json, body_raw,
		response_body, error_message, validation_errors, processing_ms
	)
`

// BatchWriter buffers webhook request records and inserts them into
// ClickHouse in batches.
type BatchWriter struct {
	db     *RequestLogDB
	config BatchWriterConfig

	buffer []*WebhookRequest
	mu     sync.Mutex

	flushTimer *time.Timer
	done       chan struct{}
	closed     bool

	totalWritten uint64
	totalFailed  uint64
	batchCount   uint64
}

// NewBatchWriter creates a new BatchWriter.
func NewBatchWriter(db *RequestLogDB, cfg BatchWriterConfig) *BatchWriter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchWriterConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultBatchWriterConfig().FlushInterval
	}
	bw := &BatchWriter{
		db:     db,
		config: cfg,
		buffer: make([]*WebhookRequest, 0, cfg.BatchSize),
		done:   make(chan struct{}),
	}

	bw.flushTimer = time.AfterFunc(cfg.FlushInterval, bw.timerFlush)

	return bw
}

// Write adds a record to the batch.
func (bw *BatchWriter) Write(req *WebhookRequest) error {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return fmt.Errorf("batch writer is closed")
	}

	bw.buffer = append(bw.buffer, req)

	if len(bw.buffer) >= bw.config.BatchSize {
		return bw.flushLocked()
	}

	return nil
}

// WriteBatch adds several records, flushing as batches fill.
func (bw *BatchWriter) WriteBatch(reqs []*WebhookRequest) error {
	for _, req := range reqs {
		if err := bw.Write(req); err != nil {
			return err
		}
	}
	return nil
}

func (bw *BatchWriter) timerFlush() {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return
	}

	if len(bw.buffer) > 0 {
		if err := bw.flushLocked(); err != nil {
			slog.Error("request log timer flush failed", "error", err)
		}
	}

	bw.flushTimer.Reset(bw.config.FlushInterval)
}

// flushLocked flushes the buffer. Caller must hold the lock.
func (bw *BatchWriter) flushLocked() error {
	if len(bw.buffer) == 0 {
		return nil
	}

	reqs := bw.buffer
	bw.buffer = make([]*WebhookRequest, 0, bw.config.BatchSize)

	var lastErr error
	for attempt := 0; attempt <= bw.config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(bw.config.RetryDelay * time.Duration(1<<(attempt-1)))
		}

		if err := bw.insertBatch(reqs); err != nil {
			lastErr = err
			slog.Warn("request log insert failed, retrying",
				"attempt", attempt+1,
				"max_retries", bw.config.MaxRetries,
				"error", err,
			)
			continue
		}

		atomic.AddUint64(&bw.totalWritten, uint64(len(reqs)))
		atomic.AddUint64(&bw.batchCount, 1)
		return nil
	}

	atomic.AddUint64(&bw.totalFailed, uint64(len(reqs)))
	return &OpError{
		Op:       "BatchInsert",
		Table:    "webhook_requests",
		Kind:     ErrBatchInsert,
		Err:      lastErr,
		Attempts: bw.config.MaxRetries + 1,
	}
}

func (bw *BatchWriter) insertBatch(reqs []*WebhookRequest) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	batch, err := bw.db.conn.PrepareBatch(ctx, insertWebhookRequests)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, r := range reqs {
		err := batch.Append(
			r.ID,
			r.ReceivedAt,
			r.Method,
			r.Path,
			uint16(r.Status),
			r.Host,
			r.SourceIP,
			r.UserAgent,
			r.ContentType,
			r.headersJSON(),
			r.BodyJSON,
			r.BodyRaw,
			r.ResponseBody,
			r.ErrorMessage,
			r.ValidationErrors,
			uint32(r.ProcessingTime.Milliseconds()),
		)
		if err != nil {
			batch.Abort()
			return fmt.Errorf("failed to append request %s: %w", r.ID, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	slog.Debug("request log batch inserted", "count", len(reqs))
	return nil
}

// Flush forces a flush of the current buffer.
func (bw *BatchWriter) Flush() error {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.flushLocked()
}

// Close stops the timer and flushes what is buffered.
func (bw *BatchWriter) Close() error {
	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		return nil
	}
	bw.closed = true
	bw.mu.Unlock()

	bw.flushTimer.Stop()
	close(bw.done)

	return bw.Flush()
}

// Metrics returns batch writer statistics.
func (bw *BatchWriter) Metrics() BatchWriterMetrics {
	return BatchWriterMetrics{
		Written: atomic.LoadUint64(&bw.totalWritten),
		Failed:  atomic.LoadUint64(&bw.totalFailed),
		Batches: atomic.LoadUint64(&bw.batchCount),
		Pending: bw.pendingCount(),
	}
}

func (bw *BatchWriter) pendingCount() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// BatchWriterMetrics holds batch writer statistics.
type BatchWriterMetrics struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Batches uint64 `json:"batches"`
	Pending int    `json:"pending"`
}
