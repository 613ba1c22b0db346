// Package sidechannel runs best-effort operations: work whose failure is
// logged and counted but never reaches the caller's response.
package sidechannel

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"eli-pipeline/internal/metrics"
)

// Config configures a Runner.
type Config struct {
	// MaxInFlight bounds concurrent background operations. Extra Go calls are dropped.
	MaxInFlight int `yaml:"max_in_flight"`
	// Timeout bounds each background operation.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the default side channel configuration.
func DefaultConfig() Config {
	return Config{
		MaxInFlight: 16,
		Timeout:     2 * time.Minute,
	}
}

// SkipError marks an operation that ran but decided not to act, such as a
// publisher with no broker configured. It is counted as skipped, not failed.
type SkipError struct {
	Reason string
}

func (e *SkipError) Error() string { return "skipped: " + e.Reason }

// Skipped returns a SkipError for reason.
func Skipped(reason string) error {
	return &SkipError{Reason: reason}
}

// Runner executes named best-effort operations and records their outcome.
type Runner struct {
	sem     chan struct{}
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// New creates a Runner.
func New(cfg Config, logger *slog.Logger) *Runner {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultConfig().MaxInFlight
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		sem:     make(chan struct{}, cfg.MaxInFlight),
		timeout: cfg.Timeout,
		logger:  logger,
	}
}

// Do runs fn in-line. Its error is logged and counted, then returned so the
// caller may attach it to its own result; callers must not fail on it.
func (r *Runner) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	r.record(op, err, time.Since(start))
	return err
}

// Go runs fn in the background with its own deadline, detached from the
// caller's context. It returns false when the runner is saturated and the
// operation was dropped.
func (r *Runner) Go(op string, fn func(ctx context.Context) error) bool {
	select {
	case r.sem <- struct{}{}:
	default:
		metrics.RecordSideChannel(op, metrics.OutcomeDropped, 0)
		r.logger.Warn("side channel saturated, dropping operation", "op", op)
		return false
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() { <-r.sem }()
		defer func() {
			if rec := recover(); rec != nil {
				metrics.RecordSideChannel(op, metrics.OutcomeFailure, 0)
				r.logger.Error("side channel operation panicked", "op", op, "panic", rec)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		start := time.Now()
		err := fn(ctx)
		r.record(op, err, time.Since(start))
	}()
	return true
}

// Skip records an operation that was not attempted.
func (r *Runner) Skip(op, reason string) {
	metrics.RecordSideChannel(op, metrics.OutcomeSkipped, 0)
	r.logger.Debug("side channel operation skipped", "op", op, "reason", reason)
}

// Wait blocks until background operations finish or ctx is done.
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) record(op string, err error, d time.Duration) {
	var skip *SkipError
	if errors.As(err, &skip) {
		r.Skip(op, skip.Reason)
		return
	}
	if err != nil {
		metrics.RecordSideChannel(op, metrics.OutcomeFailure, d.Seconds())
		r.logger.Warn("side channel operation failed", "op", op, "error", err, "duration", d)
		return
	}
	metrics.RecordSideChannel(op, metrics.OutcomeSuccess, d.Seconds())
}
