package enrichment

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/datatypes"

	"eli-pipeline/internal/metrics"
	"eli-pipeline/internal/storage/relational"
)

// Insight tuning.
const (
	InsightThrottle    = 15 * time.Minute
	InsightWindow      = 24 * time.Hour
	TopDetectionGroups = 200
	RecentAnomalyLimit = 100
	DefaultInsightText = "Behavioral summary generated."
	ScopeChannel       = "channel"
	insightLeaseTTL    = 2 * time.Minute
)

// Insight skip reasons.
const (
	InsightSkipDisabled  = "disabled"
	InsightSkipThrottled = "throttled"
	InsightSkipLeased    = "leased"
)

// InsightStore is the storage the insight generator needs.
type InsightStore interface {
	LatestInsightTS(ctx context.Context, scope, scopeID string) (int64, bool, error)
	TopDetections(ctx context.Context, channelID string, from, to int64, limit int) ([]relational.DetectionGroup, error)
	RecentAnomalies(ctx context.Context, entityType, entityID string, from, to int64, limit int) ([]relational.Anomaly, error)
	GetBaseline(ctx context.Context, entityType, entityID string) (*relational.Baseline, error)
	InsertInsight(ctx context.Context, in *relational.Insight) error
}

// InsightContext is the document sent to the model and kept with the insight.
type InsightContext struct {
	ChannelID     string                      `json:"channel_id"`
	Window        Window                      `json:"window"`
	Baseline      *Stats                      `json:"baseline"`
	DetectionsTop []relational.DetectionGroup `json:"detections_top"`
	Anomalies     []AnomalySummary            `json:"anomalies"`
}

// Window is a closed epoch-millisecond range.
type Window struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// AnomalySummary is the part of an anomaly the model sees.
type AnomalySummary struct {
	Metric string  `json:"metric"`
	Value  float64 `json:"value"`
	Score  float64 `json:"score"`
	TS     int64   `json:"ts"`
}

// InsightResult reports one generation attempt.
type InsightResult struct {
	Skipped bool
	Reason  string
	Insight *relational.Insight
}

// InsightGenerator writes at most one insight per scope every 15 minutes.
type InsightGenerator struct {
	store     InsightStore
	generator Generator
	lease     Lease
	logger    *slog.Logger
}

// NewInsightGenerator creates an InsightGenerator. A nil generator disables
// generation; a nil lease leaves the stored timestamps as the only throttle.
func NewInsightGenerator(store InsightStore, generator Generator, lease Lease, logger *slog.Logger) *InsightGenerator {
	if logger == nil {
		logger = slog.Default()
	}
	return &InsightGenerator{store: store, generator: generator, lease: lease, logger: logger}
}

// Generate builds the 24 hour context for a channel and persists a
// generated insight unless one was written within 15 minutes of ts.
// Generation failures are logged and reported as a nil insight, never as an
// error; only store failures are returned.
func (g *InsightGenerator) Generate(ctx context.Context, channelID string, ts int64) (*InsightResult, error) {
	if g.generator == nil {
		return g.skip(InsightSkipDisabled), nil
	}

	throttled, err := g.throttled(ctx, channelID, ts)
	if err != nil {
		return nil, err
	}
	if throttled {
		return g.skip(InsightSkipThrottled), nil
	}

	if g.lease != nil {
		release, ok, err := g.lease.Acquire(ctx, ScopeChannel+":"+channelID, insightLeaseTTL)
		switch {
		case err != nil:
			g.logger.Warn("insight lease unavailable, proceeding", "channel_id", channelID, "error", err)
		case !ok:
			return g.skip(InsightSkipLeased), nil
		default:
			defer release()
			// Another worker may have finished between the check and the lease.
			throttled, err := g.throttled(ctx, channelID, ts)
			if err != nil {
				return nil, err
			}
			if throttled {
				return g.skip(InsightSkipThrottled), nil
			}
		}
	}

	ictx, err := g.buildContext(ctx, channelID, ts)
	if err != nil {
		return nil, err
	}
	ctxJSON, err := json.Marshal(ictx)
	if err != nil {
		return nil, fmt.Errorf("encode insight context: %w", err)
	}

	out, err := g.generator.GenerateInsight(ctx, ctxJSON)
	if err != nil {
		metrics.InsightsTotal.WithLabelValues(metrics.OutcomeFailure, "generation").Inc()
		g.logger.Warn("insight generation failed", "channel_id", channelID, "error", err)
		return &InsightResult{}, nil
	}

	summary, recs := parseInsightOutput(out)
	recsJSON, _ := json.Marshal(recs)

	in := &relational.Insight{
		Scope:           ScopeChannel,
		ScopeID:         channelID,
		Summary:         summary,
		Recommendations: datatypes.JSON(recsJSON),
		Context:         datatypes.JSON(ctxJSON),
		TS:              ts,
	}
	if err := g.store.InsertInsight(ctx, in); err != nil {
		metrics.InsightsTotal.WithLabelValues(metrics.OutcomeFailure, "persist").Inc()
		return nil, fmt.Errorf("insert insight: %w", err)
	}

	metrics.InsightsTotal.WithLabelValues(metrics.OutcomeSuccess, "").Inc()
	g.logger.Info("insight generated", "channel_id", channelID, "recommendations", len(recs))
	return &InsightResult{Insight: in}, nil
}

func (g *InsightGenerator) throttled(ctx context.Context, channelID string, ts int64) (bool, error) {
	latest, ok, err := g.store.LatestInsightTS(ctx, ScopeChannel, channelID)
	if err != nil {
		return false, fmt.Errorf("latest insight: %w", err)
	}
	return ok && latest > ts-InsightThrottle.Milliseconds(), nil
}

func (g *InsightGenerator) buildContext(ctx context.Context, channelID string, ts int64) (*InsightContext, error) {
	since := ts - InsightWindow.Milliseconds()

	groups, err := g.store.TopDetections(ctx, channelID, since, ts, TopDetectionGroups)
	if err != nil {
		return nil, fmt.Errorf("top detections: %w", err)
	}
	anomalies, err := g.store.RecentAnomalies(ctx, EntityChannel, channelID, since, ts, RecentAnomalyLimit)
	if err != nil {
		return nil, fmt.Errorf("recent anomalies: %w", err)
	}
	base, err := g.store.GetBaseline(ctx, EntityChannel, channelID)
	if err != nil {
		return nil, fmt.Errorf("baseline: %w", err)
	}

	ic := &InsightContext{
		ChannelID:     channelID,
		Window:        Window{Start: since, End: ts},
		DetectionsTop: groups,
		Anomalies:     make([]AnomalySummary, 0, len(anomalies)),
	}
	if ic.DetectionsTop == nil {
		ic.DetectionsTop = []relational.DetectionGroup{}
	}
	if base != nil {
		ic.Baseline = &Stats{Mean: base.Mean, Var: base.Var, Std: base.Std}
	}
	for _, a := range anomalies {
		ic.Anomalies = append(ic.Anomalies, AnomalySummary{Metric: a.Metric, Value: a.Value, Score: a.Score, TS: a.TS})
	}
	return ic, nil
}

func (g *InsightGenerator) skip(reason string) *InsightResult {
	metrics.InsightsTotal.WithLabelValues(metrics.OutcomeSkipped, reason).Inc()
	return &InsightResult{Skipped: true, Reason: reason}
}

// parseInsightOutput applies the output fallbacks: a missing or non-string
// summary becomes the default text and a non-array recommendations member
// becomes an empty list. Non-string recommendation entries are dropped.
func parseInsightOutput(out map[string]any) (string, []string) {
	summary, ok := out["summary"].(string)
	if !ok {
		summary = DefaultInsightText
	}

	recs := []string{}
	if list, ok := out["recommendations"].([]any); ok {
		for _, r := range list {
			if s, ok := r.(string); ok {
				recs = append(recs, s)
			}
		}
	}
	return summary, recs
}
