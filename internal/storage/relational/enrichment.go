package relational

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm/clause"

	"eli-pipeline/internal/storage"
)

// InsertDetections writes all detections in one statement. Rows whose
// idempotency key already exists are skipped; the count of new rows is returned.
func (s *Store) InsertDetections(ctx context.Context, rows []Detection) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idempotency_key"}},
		DoNothing: true,
	}).Create(&rows)
	if res.Error != nil {
		return 0, storage.Failed("InsertDetections", "detections", res.Error)
	}
	return res.RowsAffected, nil
}

// CountDetections counts the detections recorded for an event.
func (s *Store) CountDetections(ctx context.Context, eventID string) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&Detection{}).Where("event_id = ?", eventID).Count(&n).Error; err != nil {
		return 0, storage.Failed("CountDetections", "detections", err)
	}
	return n, nil
}

// DetectionGroup is one (type, label) bucket of the insight context.
type DetectionGroup struct {
	Type  *string `json:"type"`
	Label *string `json:"label"`
	Count int64   `gorm:"column:c" json:"c"`
}

// TopDetections groups a channel's detections in [from, to] by type and
// label, largest groups first.
func (s *Store) TopDetections(ctx context.Context, channelID string, from, to int64, limit int) ([]DetectionGroup, error) {
	var groups []DetectionGroup
	err := s.db.WithContext(ctx).Model(&Detection{}).
		Select("type, label, COUNT(*) AS c").
		Where("channel_id = ? AND ts BETWEEN ? AND ?", channelID, from, to).
		Group("type, label").
		Order("c DESC").
		Limit(limit).
		Scan(&groups).Error
	if err != nil {
		return nil, storage.Failed("TopDetections", "detections", err)
	}
	return groups, nil
}

// GetBaseline returns the baseline for an entity, or nil when none exists.
func (s *Store) GetBaseline(ctx context.Context, entityType, entityID string) (*Baseline, error) {
	var row Baseline
	err := s.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Take(&row).Error
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, storage.Failed("GetBaseline", "baselines", err)
	}
	return &row, nil
}

// SaveBaseline upserts the baseline keyed by (entity_type, entity_id).
func (s *Store) SaveBaseline(ctx context.Context, b *Baseline) error {
	if b.UpdatedAt == 0 {
		b.UpdatedAt = time.Now().UnixMilli()
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entity_type"}, {Name: "entity_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"mean", "var", "std", "updated_at"}),
	}).Create(b).Error
	if err != nil {
		return storage.Failed("SaveBaseline", "baselines", err)
	}
	return nil
}

// InsertAnomaly appends an anomaly record.
func (s *Store) InsertAnomaly(ctx context.Context, a *Anomaly) error {
	if err := s.db.WithContext(ctx).Create(a).Error; err != nil {
		return storage.Failed("InsertAnomaly", "anomalies", err)
	}
	return nil
}

// RecentAnomalies returns an entity's anomalies in [from, to], newest first.
func (s *Store) RecentAnomalies(ctx context.Context, entityType, entityID string, from, to int64, limit int) ([]Anomaly, error) {
	var rows []Anomaly
	err := s.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ? AND ts BETWEEN ? AND ?", entityType, entityID, from, to).
		Order("ts DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, storage.Failed("RecentAnomalies", "anomalies", err)
	}
	return rows, nil
}

// CountAnomalies counts an entity's anomalies.
func (s *Store) CountAnomalies(ctx context.Context, entityType, entityID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Anomaly{}).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Count(&n).Error
	if err != nil {
		return 0, storage.Failed("CountAnomalies", "anomalies", err)
	}
	return n, nil
}

// LatestInsightTS returns the newest insight timestamp for a scope.
func (s *Store) LatestInsightTS(ctx context.Context, scope, scopeID string) (int64, bool, error) {
	var row Insight
	err := s.db.WithContext(ctx).
		Select("ts").
		Where("scope = ? AND scope_id = ?", scope, scopeID).
		Order("ts DESC").
		Take(&row).Error
	if err != nil {
		if isNotFound(err) {
			return 0, false, nil
		}
		return 0, false, storage.Failed("LatestInsightTS", "insights", err)
	}
	return row.TS, true, nil
}

// InsertInsight appends an insight record.
func (s *Store) InsertInsight(ctx context.Context, in *Insight) error {
	if err := s.db.WithContext(ctx).Create(in).Error; err != nil {
		return storage.Failed("InsertInsight", "insights", err)
	}
	return nil
}

// CountInsights counts the insights of a scope.
func (s *Store) CountInsights(ctx context.Context, scope, scopeID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Insight{}).
		Where("scope = ? AND scope_id = ?", scope, scopeID).
		Count(&n).Error
	if err != nil {
		return 0, storage.Failed("CountInsights", "insights", err)
	}
	return n, nil
}

// MarkJob records a job status transition, creating the row on first use.
// The payload is kept from the first write.
func (s *Store) MarkJob(ctx context.Context, id, status string, jobErr *string, payload []byte) error {
	now := time.Now().UnixMilli()
	row := &EnrichmentJob{
		ID:        id,
		Status:    status,
		Error:     jobErr,
		Payload:   datatypes.JSON(payload),
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "error", "updated_at"}),
	}).Create(row).Error
	if err != nil {
		return storage.Failed("MarkJob", "enrichment_jobs", err)
	}
	return nil
}

// GetJob loads a job row.
func (s *Store) GetJob(ctx context.Context, id string) (*EnrichmentJob, error) {
	var row EnrichmentJob
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		if isNotFound(err) {
			return nil, storage.NotFound("GetJob", "enrichment_jobs", id)
		}
		return nil, storage.Failed("GetJob", "enrichment_jobs", err)
	}
	return &row, nil
}
