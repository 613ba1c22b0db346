package relational

import (
	"gorm.io/datatypes"
)

// Event is the authoritative event row. Only EndTime and Params change after
// the first insert.
type Event struct {
	ID             string         `gorm:"column:id;primaryKey;type:varchar(512)"`
	EventID        *string        `gorm:"column:event_id;type:text"`
	MonitorID      *string        `gorm:"column:monitor_id;type:text"`
	Topic          *string        `gorm:"column:topic;type:text"`
	Module         *string        `gorm:"column:module;type:text"`
	Level          *string        `gorm:"column:level;type:text"`
	StartTime      int64          `gorm:"column:start_time;not null;index:idx_events_channel_time,priority:2"`
	EndTime        *int64         `gorm:"column:end_time"`
	Latitude       *float64       `gorm:"column:latitude"`
	Longitude      *float64       `gorm:"column:longitude"`
	ChannelID      *string        `gorm:"column:channel_id;type:varchar(256);index:idx_events_channel_time,priority:1"`
	ChannelType    *string        `gorm:"column:channel_type;type:text"`
	ChannelName    *string        `gorm:"column:channel_name;type:text"`
	ChannelAddress datatypes.JSON `gorm:"column:channel_address"`
	Params         datatypes.JSON `gorm:"column:params"`
	Tags           datatypes.JSON `gorm:"column:tags"`
	CreatedAt      int64          `gorm:"column:created_at;autoCreateTime:milli"`
}

func (Event) TableName() string {
	return "events"
}

// Snapshot is an image reference. EventID is nil for legacy uploads whose
// event is not known yet.
type Snapshot struct {
	ID        string  `gorm:"column:id;primaryKey;type:varchar(512)"`
	EventID   *string `gorm:"column:event_id;type:varchar(512);index"`
	Type      *string `gorm:"column:type;type:text"`
	Path      *string `gorm:"column:path;type:text"`
	ImageURL  *string `gorm:"column:image_url;type:text"`
	CreatedAt int64   `gorm:"column:created_at;autoCreateTime:milli"`
}

func (Snapshot) TableName() string {
	return "snapshots"
}

// Detection is one detection-model result.
type Detection struct {
	ID             uint64         `gorm:"column:id;primaryKey;autoIncrement"`
	IdempotencyKey string         `gorm:"column:idempotency_key;type:varchar(64);not null;uniqueIndex"`
	EventID        *string        `gorm:"column:event_id;type:varchar(512);index"`
	ChannelID      *string        `gorm:"column:channel_id;type:varchar(256);index:idx_detections_channel_ts,priority:1"`
	Type           *string        `gorm:"column:type;type:text"`
	Label          *string        `gorm:"column:label;type:text"`
	Score          *float64       `gorm:"column:score"`
	BBox           datatypes.JSON `gorm:"column:bbox"`
	Meta           datatypes.JSON `gorm:"column:meta"`
	TS             int64          `gorm:"column:ts;not null;index:idx_detections_channel_ts,priority:2"`
}

func (Detection) TableName() string {
	return "detections"
}

// Baseline is the running activity estimate for one entity.
type Baseline struct {
	ID         uint64  `gorm:"column:id;primaryKey;autoIncrement"`
	EntityType string  `gorm:"column:entity_type;type:varchar(64);not null;uniqueIndex:idx_baselines_entity,priority:1"`
	EntityID   string  `gorm:"column:entity_id;type:varchar(256);not null;uniqueIndex:idx_baselines_entity,priority:2"`
	Mean       float64 `gorm:"column:mean;not null"`
	Var        float64 `gorm:"column:var;not null"`
	Std        float64 `gorm:"column:std;not null"`
	UpdatedAt  int64   `gorm:"column:updated_at;not null"`
}

func (Baseline) TableName() string {
	return "baselines"
}

// Anomaly is an insert-only deviation record.
type Anomaly struct {
	ID          uint64         `gorm:"column:id;primaryKey;autoIncrement"`
	Metric      string         `gorm:"column:metric;type:varchar(128);not null"`
	EntityType  string         `gorm:"column:entity_type;type:varchar(64);not null;index:idx_anomalies_entity_ts,priority:1"`
	EntityID    string         `gorm:"column:entity_id;type:varchar(256);not null;index:idx_anomalies_entity_ts,priority:2"`
	Value       float64        `gorm:"column:value;not null"`
	Score       float64        `gorm:"column:score;not null"`
	Threshold   float64        `gorm:"column:threshold;not null"`
	WindowStart int64          `gorm:"column:window_start;not null"`
	WindowEnd   int64          `gorm:"column:window_end;not null"`
	Context     datatypes.JSON `gorm:"column:context"`
	TS          int64          `gorm:"column:ts;not null;index:idx_anomalies_entity_ts,priority:3"`
}

func (Anomaly) TableName() string {
	return "anomalies"
}

// Insight is an insert-only generated summary for a scope.
type Insight struct {
	ID              uint64         `gorm:"column:id;primaryKey;autoIncrement"`
	Scope           string         `gorm:"column:scope;type:varchar(64);not null;index:idx_insights_scope_ts,priority:1"`
	ScopeID         string         `gorm:"column:scope_id;type:varchar(256);not null;index:idx_insights_scope_ts,priority:2"`
	Summary         string         `gorm:"column:summary;type:text;not null"`
	Recommendations datatypes.JSON `gorm:"column:recommendations"`
	Context         datatypes.JSON `gorm:"column:context"`
	TS              int64          `gorm:"column:ts;not null;index:idx_insights_scope_ts,priority:3"`
}

func (Insight) TableName() string {
	return "insights"
}

// Job statuses.
const (
	JobQueued     = "queued"
	JobProcessing = "processing"
	JobDone       = "done"
	JobError      = "error"
)

// EnrichmentJob tracks one enrichment cycle for debugging.
type EnrichmentJob struct {
	ID        string         `gorm:"column:id;primaryKey;type:varchar(512)"`
	Status    string         `gorm:"column:status;type:varchar(32);not null;index"`
	Error     *string        `gorm:"column:error;type:text"`
	Payload   datatypes.JSON `gorm:"column:payload"`
	CreatedAt int64          `gorm:"column:created_at;not null"`
	UpdatedAt int64          `gorm:"column:updated_at;not null"`
}

func (EnrichmentJob) TableName() string {
	return "enrichment_jobs"
}

// AllModels lists every table for AutoMigrate.
func AllModels() []any {
	return []any{
		&Event{},
		&Snapshot{},
		&Detection{},
		&Baseline{},
		&Anomaly{},
		&Insight{},
		&EnrichmentJob{},
	}
}
