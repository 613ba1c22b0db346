package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/column"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ---------------------------------------------------------------------------
// Mock implementations of driver.Conn and driver.Batch for unit testing
// without a real ClickHouse connection.
// ---------------------------------------------------------------------------

type mockConn struct {
	prepareBatchFunc func(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error)
}

func (m *mockConn) Contributors() []string                                           { return nil }
func (m *mockConn) ServerVersion() (*driver.ServerVersion, error)                    { return nil, nil }
func (m *mockConn) Select(_ context.Context, _ any, _ string, _ ...any) error        { return nil }
func (m *mockConn) Query(_ context.Context, _ string, _ ...any) (driver.Rows, error) { return nil, nil }
func (m *mockConn) QueryRow(_ context.Context, _ string, _ ...any) driver.Row        { return nil }
func (m *mockConn) Exec(_ context.Context, _ string, _ ...any) error                 { return nil }
func (m *mockConn) AsyncInsert(_ context.Context, _ string, _ bool, _ ...any) error  { return nil }
func (m *mockConn) Ping(_ context.Context) error                                     { return nil }
func (m *mockConn) Stats() driver.Stats                                              { return driver.Stats{} }
func (m *mockConn) Close() error                                                     { return nil }

func (m *mockConn) PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error) {
	if m.prepareBatchFunc != nil {
		return m.prepareBatchFunc(ctx, query, opts...)
	}
	return &mockBatch{}, nil
}

type mockBatch struct {
	mu          sync.Mutex
	appendCount int
	lastRow     []any
	sendFunc    func() error
}

func (m *mockBatch) Abort() error { return nil }
func (m *mockBatch) Append(v ...any) error {
	m.mu.Lock()
	m.appendCount++
	m.lastRow = v
	m.mu.Unlock()
	return nil
}
func (m *mockBatch) AppendStruct(_ any) error        { return nil }
func (m *mockBatch) Column(_ int) driver.BatchColumn { return nil }
func (m *mockBatch) Flush() error                    { return nil }
func (m *mockBatch) Send() error {
	if m.sendFunc != nil {
		return m.sendFunc()
	}
	return nil
}
func (m *mockBatch) IsSent() bool                { return false }
func (m *mockBatch) Rows() int                   { return m.appendCount }
func (m *mockBatch) Columns() []column.Interface { return nil }
func (m *mockBatch) Close() error                { return nil }

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newTestRequest() *WebhookRequest {
	r := NewWebhookRequest()
	r.Method = "POST"
	r.Path = "/webhook/irex"
	r.Status = 200
	r.SourceIP = "10.0.0.7"
	r.Headers = map[string]string{"content-type": "application/json", "authorization": "***"}
	r.SetBody([]byte(`{"id":"evt-1"}`))
	r.ResponseBody = `{"status":"success"}`
	r.ProcessingTime = 42 * time.Millisecond
	return r
}

func newMockClient(conn driver.Conn) *RequestLogDB {
	return &RequestLogDB{conn: conn}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestDefaultBatchWriterConfig(t *testing.T) {
	cfg := DefaultBatchWriterConfig()

	if cfg.BatchSize != 500 {
		t.Errorf("BatchSize = %d, want 500", cfg.BatchSize)
	}
	if cfg.FlushInterval != 5*time.Second {
		t.Errorf("FlushInterval = %v, want 5s", cfg.FlushInterval)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
	if cfg.RetryDelay != time.Second {
		t.Errorf("RetryDelay = %v, want 1s", cfg.RetryDelay)
	}
}

func TestNewBatchWriter(t *testing.T) {
	cfg := DefaultBatchWriterConfig()
	client := newMockClient(&mockConn{})
	bw := NewBatchWriter(client, cfg)
	defer bw.Close()

	if bw.db != client {
		t.Error("client not set correctly")
	}
	if bw.config != cfg {
		t.Error("config not set correctly")
	}
	if len(bw.buffer) != 0 {
		t.Errorf("initial buffer length = %d, want 0", len(bw.buffer))
	}
	if cap(bw.buffer) != cfg.BatchSize {
		t.Errorf("initial buffer capacity = %d, want %d", cap(bw.buffer), cfg.BatchSize)
	}
	if bw.closed {
		t.Error("new writer should not be closed")
	}
	if bw.done == nil {
		t.Error("done channel should be initialized")
	}
	if bw.flushTimer == nil {
		t.Error("flush timer should be initialized")
	}

	metrics := bw.Metrics()
	if metrics.Written != 0 || metrics.Failed != 0 || metrics.Batches != 0 || metrics.Pending != 0 {
		t.Errorf("initial metrics should all be zero, got %+v", metrics)
	}
}

func TestBatchWriterWriteBuffersRequests(t *testing.T) {
	cfg := BatchWriterConfig{
		BatchSize:     100, // large enough so writes do not trigger a flush
		FlushInterval: time.Hour,
		MaxRetries:    0,
		RetryDelay:    time.Millisecond,
	}
	client := newMockClient(&mockConn{})
	bw := NewBatchWriter(client, cfg)
	defer bw.Close()

	for i := 0; i < 5; i++ {
		if err := bw.Write(newTestRequest()); err != nil {
			t.Fatalf("Write() error on event %d: %v", i, err)
		}
	}

	metrics := bw.Metrics()
	if metrics.Pending != 5 {
		t.Errorf("Pending = %d, want 5", metrics.Pending)
	}
	if metrics.Written != 0 {
		t.Errorf("Written = %d, want 0 (no flush triggered yet)", metrics.Written)
	}
	if metrics.Batches != 0 {
		t.Errorf("Batches = %d, want 0", metrics.Batches)
	}
}

func TestBatchWriterWriteWhenClosed(t *testing.T) {
	cfg := DefaultBatchWriterConfig()
	client := newMockClient(&mockConn{})
	bw := NewBatchWriter(client, cfg)

	if err := bw.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	err := bw.Write(newTestRequest())
	if err == nil {
		t.Error("Write() after Close() should return an error")
	}
}

func TestBatchWriterFlushOnBatchSize(t *testing.T) {
	batchSize := 5
	cfg := BatchWriterConfig{
		BatchSize:     batchSize,
		FlushInterval: time.Hour, // long interval to prevent timer flush
		MaxRetries:    0,
		RetryDelay:    time.Millisecond,
	}

	batch := &mockBatch{}
	conn := &mockConn{
		prepareBatchFunc: func(_ context.Context, _ string, _ ...driver.PrepareBatchOption) (driver.Batch, error) {
			return batch, nil
		},
	}
	client := newMockClient(conn)
	bw := NewBatchWriter(client, cfg)
	defer bw.Close()

	// Write exactly batchSize events; the last write should trigger flushLocked.
	for i := 0; i < batchSize; i++ {
		if err := bw.Write(newTestRequest()); err != nil {
			t.Fatalf("Write() error on event %d: %v", i, err)
		}
	}

	metrics := bw.Metrics()
	if metrics.Pending != 0 {
		t.Errorf("Pending = %d, want 0 after flush", metrics.Pending)
	}
	if metrics.Written != uint64(batchSize) {
		t.Errorf("Written = %d, want %d", metrics.Written, batchSize)
	}
	if metrics.Batches != 1 {
		t.Errorf("Batches = %d, want 1", metrics.Batches)
	}
	if batch.appendCount != batchSize {
		t.Errorf("batch.appendCount = %d, want %d", batch.appendCount, batchSize)
	}
}

func TestBatchWriterMultipleBatchFlushes(t *testing.T) {
	batchSize := 3
	cfg := BatchWriterConfig{
		BatchSize:     batchSize,
		FlushInterval: time.Hour,
		MaxRetries:    0,
		RetryDelay:    time.Millisecond,
	}

	conn := &mockConn{
		prepareBatchFunc: func(_ context.Context, _ string, _ ...driver.PrepareBatchOption) (driver.Batch, error) {
			return &mockBatch{}, nil
		},
	}
	client := newMockClient(conn)
	bw := NewBatchWriter(client, cfg)
	defer bw.Close()

	totalEvents := batchSize * 4 // exactly 4 batches
	for i := 0; i < totalEvents; i++ {
		if err := bw.Write(newTestRequest()); err != nil {
			t.Fatalf("Write() error on event %d: %v", i, err)
		}
	}

	metrics := bw.Metrics()
	if metrics.Written != uint64(totalEvents) {
		t.Errorf("Written = %d, want %d", metrics.Written, totalEvents)
	}
	if metrics.Batches != 4 {
		t.Errorf("Batches = %d, want 4", metrics.Batches)
	}
	if metrics.Pending != 0 {
		t.Errorf("Pending = %d, want 0", metrics.Pending)
	}
}

func TestBatchWriterCloseFlushesBuffer(t *testing.T) {
	cfg := BatchWriterConfig{
		BatchSize:     100,
		FlushInterval: time.Hour,
		MaxRetries:    0,
		RetryDelay:    time.Millisecond,
	}

	var sendCalled atomic.Bool
	conn := &mockConn{
		prepareBatchFunc: func(_ context.Context, _ string, _ ...driver.PrepareBatchOption) (driver.Batch, error) {
			return &mockBatch{
				sendFunc: func() error {
					sendCalled.Store(true)
					return nil
				},
			}, nil
		},
	}
	client := newMockClient(conn)
	bw := NewBatchWriter(client, cfg)

	// Buffer some events (fewer than BatchSize so no automatic flush).
	for i := 0; i < 3; i++ {
		if err := bw.Write(newTestRequest()); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}

	// Verify events are pending before close.
	if bw.Metrics().Pending != 3 {
		t.Fatalf("Pending before close = %d, want 3", bw.Metrics().Pending)
	}

	if err := bw.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if !sendCalled.Load() {
		t.Error("Close() should have flushed buffered events (batch Send was not called)")
	}

	metrics := bw.Metrics()
	if metrics.Written != 3 {
		t.Errorf("Written = %d, want 3 after close flush", metrics.Written)
	}
	if metrics.Pending != 0 {
		t.Errorf("Pending = %d, want 0 after close", metrics.Pending)
	}
}

func TestBatchWriterCloseWithEmptyBuffer(t *testing.T) {
	cfg := DefaultBatchWriterConfig()
	client := newMockClient(&mockConn{})
	bw := NewBatchWriter(client, cfg)

	if err := bw.Close(); err != nil {
		t.Fatalf("Close() with empty buffer error = %v", err)
	}

	metrics := bw.Metrics()
	if metrics.Written != 0 {
		t.Errorf("Written = %d, want 0", metrics.Written)
	}
	if metrics.Batches != 0 {
		t.Errorf("Batches = %d, want 0", metrics.Batches)
	}
}

func TestBatchWriterMetrics(t *testing.T) {
	cfg := DefaultBatchWriterConfig()
	client := newMockClient(&mockConn{})
	bw := NewBatchWriter(client, cfg)
	defer bw.Close()

	// Verify initial state.
	metrics := bw.Metrics()
	if metrics.Written != 0 || metrics.Failed != 0 || metrics.Batches != 0 || metrics.Pending != 0 {
		t.Errorf("initial metrics should all be zero, got %+v", metrics)
	}

	// Set atomic counters directly (same package, so fields are accessible).
	atomic.StoreUint64(&bw.totalWritten, 500)
	atomic.StoreUint64(&bw.totalFailed, 10)
	atomic.StoreUint64(&bw.batchCount, 5)

	metrics = bw.Metrics()
	if metrics.Written != 500 {
		t.Errorf("Written = %d, want 500", metrics.Written)
	}
	if metrics.Failed != 10 {
		t.Errorf("Failed = %d, want 10", metrics.Failed)
	}
	if metrics.Batches != 5 {
		t.Errorf("Batches = %d, want 5", metrics.Batches)
	}
}

func TestBatchWriterMetricsAfterOperations(t *testing.T) {
	batchSize := 3
	cfg := BatchWriterConfig{
		BatchSize:     batchSize,
		FlushInterval: time.Hour,
		MaxRetries:    0,
		RetryDelay:    time.Millisecond,
	}
	conn := &mockConn{
		prepareBatchFunc: func(_ context.Context, _ string, _ ...driver.PrepareBatchOption) (driver.Batch, error) {
			return &mockBatch{}, nil
		},
	}
	client := newMockClient(conn)
	bw := NewBatchWriter(client, cfg)
	defer bw.Close()

	// Write exactly 2 batches worth of events.
	for i := 0; i < batchSize*2; i++ {
		if err := bw.Write(newTestRequest()); err != nil {
			t.Fatalf("Write() error on event %d: %v", i, err)
		}
	}

	metrics := bw.Metrics()
	if metrics.Written != uint64(batchSize*2) {
		t.Errorf("Written = %d, want %d", metrics.Written, batchSize*2)
	}
	if metrics.Batches != 2 {
		t.Errorf("Batches = %d, want 2", metrics.Batches)
	}
	if metrics.Pending != 0 {
		t.Errorf("Pending = %d, want 0", metrics.Pending)
	}
	if metrics.Failed != 0 {
		t.Errorf("Failed = %d, want 0", metrics.Failed)
	}
}

func TestBatchWriterFlushFailureUpdatesMetrics(t *testing.T) {
	batchSize := 3
	cfg := BatchWriterConfig{
		BatchSize:     batchSize,
		FlushInterval: time.Hour,
		MaxRetries:    2,
		RetryDelay:    time.Millisecond, // keep retries fast
	}

	conn := &mockConn{
		prepareBatchFunc: func(_ context.Context, _ string, _ ...driver.PrepareBatchOption) (driver.Batch, error) {
			return nil, fmt.Errorf("connection refused")
		},
	}
	client := newMockClient(conn)
	bw := NewBatchWriter(client, cfg)
	defer bw.Close()

	// Write enough events to trigger a flush. The flush will fail because
	// PrepareBatch always returns an error.
	var err error
	for i := 0; i < batchSize; i++ {
		// The last Write triggers flushLocked which will fail.
		err = bw.Write(newTestRequest())
	}
	if !errors.Is(err, ErrBatchInsert) {
		t.Errorf("Write() error = %v, want ErrBatchInsert", err)
	}
	var opErr *OpError
	if !errors.As(err, &opErr) || opErr.Attempts != 3 {
		t.Errorf("error = %#v, want 3 attempts recorded", opErr)
	}

	metrics := bw.Metrics()
	if metrics.Failed != uint64(batchSize) {
		t.Errorf("Failed = %d, want %d", metrics.Failed, batchSize)
	}
	if metrics.Written != 0 {
		t.Errorf("Written = %d, want 0 (all inserts failed)", metrics.Written)
	}
	if metrics.Batches != 0 {
		t.Errorf("Batches = %d, want 0 (no successful batches)", metrics.Batches)
	}
}

func TestBatchWriterAppendsRequestColumns(t *testing.T) {
	batch := &mockBatch{}
	conn := &mockConn{
		prepareBatchFunc: func(_ context.Context, query string, _ ...driver.PrepareBatchOption) (driver.Batch, error) {
			return batch, nil
		},
	}
	bw := NewBatchWriter(newMockClient(conn), BatchWriterConfig{BatchSize: 1, FlushInterval: time.Hour})
	defer bw.Close()

	req := newTestRequest()
	if err := bw.Write(req); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	row := batch.lastRow
	if len(row) != 16 {
		t.Fatalf("appended %d columns, want 16", len(row))
	}
	if row[0] != req.ID {
		t.Errorf("id column = %v, want %v", row[0], req.ID)
	}
	if row[4] != uint16(200) {
		t.Errorf("status column = %v, want 200", row[4])
	}
	if row[10] != `{"id":"evt-1"}` || row[11] != "" {
		t.Errorf("body columns = %q, %q", row[10], row[11])
	}
	if row[15] != uint32(42) {
		t.Errorf("processing_ms column = %v, want 42", row[15])
	}
}

func TestWebhookRequestSetBody(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantJSON string
		wantRaw  string
	}{
		{"json object", `{"a":1}`, `{"a":1}`, ""},
		{"json array", `[1,2]`, `[1,2]`, ""},
		{"truncated json", `{"a":`, "", `{"a":`},
		{"form body", "a=1&b=2", "", "a=1&b=2"},
		{"empty", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewWebhookRequest()
			r.SetBody([]byte(tt.body))
			if r.BodyJSON != tt.wantJSON || r.BodyRaw != tt.wantRaw {
				t.Errorf("SetBody() = (%q, %q), want (%q, %q)", r.BodyJSON, r.BodyRaw, tt.wantJSON, tt.wantRaw)
			}
		})
	}
}

func TestBatchWriterRetryBackoff(t *testing.T) {
	var attempts atomic.Int32
	conn := &mockConn{
		prepareBatchFunc: func(_ context.Context, _ string, _ ...driver.PrepareBatchOption) (driver.Batch, error) {
			if attempts.Add(1) < 3 {
				return nil, fmt.Errorf("too many simultaneous queries")
			}
			return &mockBatch{}, nil
		},
	}
	bw := NewBatchWriter(newMockClient(conn), BatchWriterConfig{
		BatchSize:     1,
		FlushInterval: time.Hour,
		MaxRetries:    3,
		RetryDelay:    time.Millisecond,
	})
	defer bw.Close()

	if err := bw.Write(newTestRequest()); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	if m := bw.Metrics(); m.Written != 1 || m.Failed != 0 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestBatchWriterConcurrentWrite(t *testing.T) {
	cfg := BatchWriterConfig{
		BatchSize:     10000, // large to prevent flushes during test
		FlushInterval: time.Hour,
		MaxRetries:    0,
		RetryDelay:    time.Millisecond,
	}
	client := newMockClient(&mockConn{})
	bw := NewBatchWriter(client, cfg)
	defer bw.Close()

	numGoroutines := 10
	eventsPerGoroutine := 100
	totalEvents := numGoroutines * eventsPerGoroutine

	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	errCh := make(chan error, totalEvents)

	for g := 0; g < numGoroutines; g++ {
		go func() {
			defer wg.Done()
			for i := 0; i < eventsPerGoroutine; i++ {
				if err := bw.Write(newTestRequest()); err != nil {
					errCh <- err
				}
			}
		}()
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Errorf("concurrent Write() error = %v", err)
	}

	metrics := bw.Metrics()
	if metrics.Pending != totalEvents {
		t.Errorf("Pending = %d, want %d", metrics.Pending, totalEvents)
	}
}

func TestBatchWriterConcurrentWriteWithFlush(t *testing.T) {
	batchSize := 10
	cfg := BatchWriterConfig{
		BatchSize:     batchSize,
		FlushInterval: time.Hour,
		MaxRetries:    0,
		RetryDelay:    time.Millisecond,
	}

	conn := &mockConn{
		prepareBatchFunc: func(_ context.Context, _ string, _ ...driver.PrepareBatchOption) (driver.Batch, error) {
			return &mockBatch{}, nil
		},
	}
	client := newMockClient(conn)
	bw := NewBatchWriter(client, cfg)
	defer bw.Close()

	numGoroutines := 10
	eventsPerGoroutine := 50
	totalEvents := numGoroutines * eventsPerGoroutine

	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for g := 0; g < numGoroutines; g++ {
		go func() {
			defer wg.Done()
			for i := 0; i < eventsPerGoroutine; i++ {
				bw.Write(newTestRequest())
			}
		}()
	}

	wg.Wait()

	// Every event must be accounted for: either already written or still pending.
	metrics := bw.Metrics()
	accounted := int(metrics.Written) + metrics.Pending + int(metrics.Failed)
	if accounted != totalEvents {
		t.Errorf("Written(%d) + Pending(%d) + Failed(%d) = %d, want %d",
			metrics.Written, metrics.Pending, metrics.Failed, accounted, totalEvents)
	}
}
