package enrichment

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"gorm.io/datatypes"

	"eli-pipeline/internal/metrics"
	"eli-pipeline/internal/storage/relational"
)

// Baseline tuning.
const (
	Alpha            = 0.2
	AnomalyThreshold = 3.0
	ActivityWindow   = 30 * time.Minute

	MetricEventsPer30m = "events_per_30m"
	EntityChannel      = "channel"
)

// Stats is an exponentially weighted mean and variance.
type Stats struct {
	Mean float64 `json:"mean"`
	Var  float64 `json:"var"`
	Std  float64 `json:"std"`
}

// UpdateBaseline folds count into prior and returns the new estimate with
// the z-score of count against it. The variance uses the updated mean. A
// prior variance of zero or NaN is treated as one, a NaN mean as zero.
//
// With a positive prior variance |z| stays below 0.8/sqrt(0.128), about
// 2.236, so the 3.0 threshold is only crossed when the computed deviation
// collapses and std falls back to 1.
func UpdateBaseline(prior Stats, count float64) (Stats, float64) {
	priorVar := prior.Var
	if priorVar == 0 || math.IsNaN(priorVar) {
		priorVar = 1
	}
	priorMean := prior.Mean
	if math.IsNaN(priorMean) {
		priorMean = 0
	}

	mean := (1-Alpha)*priorMean + Alpha*count
	variance := (1-Alpha)*priorVar + Alpha*math.Pow(count-mean, 2)
	std := math.Sqrt(variance)
	if std == 0 || math.IsNaN(std) {
		std = 1
	}
	z := (count - mean) / std

	return Stats{Mean: mean, Var: variance, Std: std}, z
}

// BaselineStore is the storage the baseline engine needs.
type BaselineStore interface {
	CountChannelEvents(ctx context.Context, channelID string, from, to int64) (int64, error)
	GetBaseline(ctx context.Context, entityType, entityID string) (*relational.Baseline, error)
	SaveBaseline(ctx context.Context, b *relational.Baseline) error
	InsertAnomaly(ctx context.Context, a *relational.Anomaly) error
}

// BaselineResult reports one baseline update.
type BaselineResult struct {
	Count   int64
	Prior   Stats
	Next    Stats
	Z       float64
	Anomaly *relational.Anomaly
}

// BaselineEngine keeps per-channel activity baselines and records anomalies.
// Updates are read-modify-write without a lock: two concurrent cycles for
// one channel can lose an update.
type BaselineEngine struct {
	store  BaselineStore
	logger *slog.Logger
}

// NewBaselineEngine creates a BaselineEngine.
func NewBaselineEngine(store BaselineStore, logger *slog.Logger) *BaselineEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &BaselineEngine{store: store, logger: logger}
}

// Update counts the channel's events in the window ending at ts, folds the
// count into the stored baseline and records an anomaly when |z| >= 3.
func (e *BaselineEngine) Update(ctx context.Context, channelID string, ts int64) (*BaselineResult, error) {
	windowStart := ts - ActivityWindow.Milliseconds()

	count, err := e.store.CountChannelEvents(ctx, channelID, windowStart, ts)
	if err != nil {
		return nil, fmt.Errorf("count channel events: %w", err)
	}

	prior := Stats{Mean: 0, Var: 1, Std: 1}
	row, err := e.store.GetBaseline(ctx, EntityChannel, channelID)
	if err != nil {
		return nil, fmt.Errorf("load baseline: %w", err)
	}
	if row != nil {
		prior = Stats{Mean: row.Mean, Var: row.Var, Std: row.Std}
	}

	next, z := UpdateBaseline(prior, float64(count))
	res := &BaselineResult{Count: count, Prior: prior, Next: next, Z: z}

	if err := e.store.SaveBaseline(ctx, &relational.Baseline{
		EntityType: EntityChannel,
		EntityID:   channelID,
		Mean:       next.Mean,
		Var:        next.Var,
		Std:        next.Std,
		UpdatedAt:  time.Now().UnixMilli(),
	}); err != nil {
		return res, fmt.Errorf("save baseline: %w", err)
	}

	if math.Abs(z) < AnomalyThreshold {
		return res, nil
	}

	anomalyCtx, _ := json.Marshal(map[string]any{"method": "online_z", "base": prior})
	a := &relational.Anomaly{
		Metric:      MetricEventsPer30m,
		EntityType:  EntityChannel,
		EntityID:    channelID,
		Value:       float64(count),
		Score:       math.Abs(z),
		Threshold:   AnomalyThreshold,
		WindowStart: windowStart,
		WindowEnd:   ts,
		Context:     datatypes.JSON(anomalyCtx),
		TS:          ts,
	}
	if err := e.store.InsertAnomaly(ctx, a); err != nil {
		return res, fmt.Errorf("insert anomaly: %w", err)
	}
	res.Anomaly = a

	metrics.AnomaliesTotal.WithLabelValues(MetricEventsPer30m).Inc()
	e.logger.Info("activity anomaly recorded",
		"channel_id", channelID,
		"count", count,
		"z", z,
		"mean", next.Mean,
	)
	return res, nil
}
