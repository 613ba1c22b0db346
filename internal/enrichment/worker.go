// Package enrichment runs the asynchronous enrichment cycle for one job:
// vision detections, the per-channel activity baseline with anomaly
// scoring, and throttled insight generation.
package enrichment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"gorm.io/datatypes"

	pipeerrors "eli-pipeline/internal/errors"
	"eli-pipeline/internal/graph"
	"eli-pipeline/internal/jobs"
	"eli-pipeline/internal/metrics"
	"eli-pipeline/internal/storage/relational"
)

// Store is the relational storage the worker needs.
type Store interface {
	BaselineStore
	InsightStore
	InsertDetections(ctx context.Context, rows []relational.Detection) (int64, error)
	MarkJob(ctx context.Context, id, status string, jobErr *string, payload []byte) error
}

// Outcome reports one enrichment cycle.
type Outcome struct {
	Detections int
	Inserted   int64
	Baseline   *BaselineResult
	Insight    *InsightResult
}

// Worker processes enrichment jobs. It holds no state between jobs and
// tolerates redelivery: detections are keyed by content and graph writes
// are merges.
type Worker struct {
	store    Store
	detector Detector
	graph    graph.Writer
	baseline *BaselineEngine
	insights *InsightGenerator
	logger   *slog.Logger
	now      func() time.Time
}

// NewWorker creates a Worker. A nil detector yields zero detections, a nil
// graph writer skips graph links.
func NewWorker(store Store, detector Detector, g graph.Writer, insights *InsightGenerator, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if insights == nil {
		insights = NewInsightGenerator(store, nil, nil, logger)
	}
	return &Worker{
		store:    store,
		detector: detector,
		graph:    g,
		baseline: NewBaselineEngine(store, logger),
		insights: insights,
		logger:   logger,
		now:      time.Now,
	}
}

// HandleMessage decodes a queue message and processes it.
func (w *Worker) HandleMessage(ctx context.Context, data []byte) error {
	p, err := jobs.Decode(data)
	if err != nil {
		return err
	}
	_, err = w.Process(ctx, p)
	return err
}

// Process runs one enrichment cycle and records the job status when the job
// names an event.
func (w *Worker) Process(ctx context.Context, p jobs.Payload) (*Outcome, error) {
	jobID := p.Event.ID
	var payloadJSON []byte
	if jobID != "" {
		payloadJSON, _ = json.Marshal(p)
		w.markJob(ctx, jobID, relational.JobProcessing, nil, payloadJSON)
	}

	out, err := w.process(ctx, p)

	if err != nil {
		metrics.EnrichmentJobsTotal.WithLabelValues(metrics.OutcomeFailure).Inc()
		w.logger.Error("enrichment job failed", "job", p.Key(), "error", err)
		if jobID != "" {
			msg := err.Error()
			w.markJob(ctx, jobID, relational.JobError, &msg, payloadJSON)
		}
		return out, err
	}

	metrics.EnrichmentJobsTotal.WithLabelValues(metrics.OutcomeSuccess).Inc()
	if jobID != "" {
		w.markJob(ctx, jobID, relational.JobDone, nil, payloadJSON)
	}
	return out, nil
}

func (w *Worker) process(ctx context.Context, p jobs.Payload) (*Outcome, error) {
	out := &Outcome{}
	eventID := p.Event.ID
	channelID := p.Event.ChannelID
	ts := p.Event.StartTime
	if ts == 0 {
		ts = w.now().UnixMilli()
	}

	image := p.PrimaryImage()
	dets := w.detect(ctx, image)
	out.Detections = len(dets)

	rows := make([]relational.Detection, 0, len(dets))
	nodes := make([]graph.DetectionNode, 0, len(dets))
	for i, d := range dets {
		key := IdempotencyKey(p.Key(), image, i, d.Type, d.Label)
		score := clampScore(d.Score)
		rows = append(rows, relational.Detection{
			IdempotencyKey: key,
			EventID:        optString(eventID),
			ChannelID:      optString(channelID),
			Type:           optString(d.Type),
			Label:          optString(d.Label),
			Score:          &score,
			BBox:           jsonColumn(d.BBox),
			Meta:           jsonColumn(d.Meta),
			TS:             ts,
		})
		nodes = append(nodes, graph.DetectionNode{
			ID:    "det_" + key[:16],
			Type:  d.Type,
			Label: d.Label,
			Score: score,
			TS:    ts,
		})
	}

	inserted, err := w.store.InsertDetections(ctx, rows)
	if err != nil {
		return out, fmt.Errorf("save detections: %w", err)
	}
	out.Inserted = inserted
	metrics.DetectionsTotal.Add(float64(inserted))

	if eventID != "" && len(nodes) > 0 && w.graph != nil {
		if err := w.graph.Apply(ctx, graph.ProjectDetections(eventID, nodes)); err != nil {
			serr := &pipeerrors.SecondaryStoreError{Store: "graph", Op: "link detections", Err: err}
			w.logger.Warn("graph detection link failed", "event_id", eventID, "error", serr)
		}
	}

	if channelID == "" {
		return out, nil
	}

	out.Baseline, err = w.baseline.Update(ctx, channelID, ts)
	if err != nil {
		return out, fmt.Errorf("baseline: %w", err)
	}

	res, err := w.insights.Generate(ctx, channelID, ts)
	if err != nil {
		w.logger.Warn("insight step failed", "channel_id", channelID, "error", err)
	}
	out.Insight = res

	return out, nil
}

func (w *Worker) detect(ctx context.Context, image string) []Detection {
	if image == "" || w.detector == nil {
		return nil
	}
	dets, err := w.detector.Detect(ctx, image, DetectionThreshold)
	if err != nil {
		eerr := &pipeerrors.EnrichmentError{Stage: "detect", Err: err}
		w.logger.Warn("vision inference failed, continuing without detections",
			"error", eerr,
			"breaker_open", IsBreakerOpen(err),
		)
		return nil
	}
	return dets
}

func (w *Worker) markJob(ctx context.Context, id, status string, jobErr *string, payload []byte) {
	if err := w.store.MarkJob(ctx, id, status, jobErr, payload); err != nil {
		w.logger.Warn("failed to record job status", "job_id", id, "status", status, "error", err)
	}
}

// IdempotencyKey identifies a detection by its job, image, position and
// classification, so a redelivered job maps to the same rows.
func IdempotencyKey(jobKey, image string, index int, typ, label string) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{jobKey, image, strconv.Itoa(index), typ, label}, "|")))
	return hex.EncodeToString(sum[:])
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func jsonColumn(raw json.RawMessage) datatypes.JSON {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return datatypes.JSON(raw)
}
