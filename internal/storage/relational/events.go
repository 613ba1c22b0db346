package relational

import (
	"context"
	"encoding/json"

	"gorm.io/datatypes"
	"gorm.io/gorm/clause"

	"eli-pipeline/internal/schema"
	"eli-pipeline/internal/storage"
)

// EventFromSchema maps a normalized event to its row.
func EventFromSchema(e *schema.Event) *Event {
	row := &Event{
		ID:             e.ID,
		EventID:        optString(e.EventID),
		MonitorID:      optString(e.MonitorID),
		Topic:          optString(e.Topic),
		Module:         optString(e.Module),
		StartTime:      e.StartTime,
		EndTime:        e.EndTime,
		Latitude:       e.Channel.Latitude,
		Longitude:      e.Channel.Longitude,
		ChannelID:      optString(e.Channel.ID),
		ChannelType:    optString(e.Channel.Type),
		ChannelName:    optString(e.Channel.Name),
		ChannelAddress: jsonColumn(e.Channel.Address),
		Params:         jsonColumn(e.Params),
	}
	if e.Level != nil {
		row.Level = optString(e.Level.Text())
	}
	if len(e.Channel.Tags) > 0 {
		if b, err := json.Marshal(e.Channel.Tags); err == nil {
			row.Tags = datatypes.JSON(b)
		}
	}
	return row
}

// UpsertEvent inserts the event or, when the id exists, overwrites only
// end_time and params. Identity fields keep their first values.
func (s *Store) UpsertEvent(ctx context.Context, e *schema.Event) error {
	row := EventFromSchema(e)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"end_time", "params"}),
	}).Create(row).Error
	if err != nil {
		return storage.Failed("UpsertEvent", "events", err)
	}
	return nil
}

// InsertEventIgnore inserts the event unless its id already exists.
func (s *Store) InsertEventIgnore(ctx context.Context, e *schema.Event) error {
	row := EventFromSchema(e)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoNothing: true,
	}).Create(row).Error
	if err != nil {
		return storage.Failed("InsertEventIgnore", "events", err)
	}
	return nil
}

// GetEvent loads one event by id.
func (s *Store) GetEvent(ctx context.Context, id string) (*Event, error) {
	var row Event
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		if isNotFound(err) {
			return nil, storage.NotFound("GetEvent", "events", id)
		}
		return nil, storage.Failed("GetEvent", "events", err)
	}
	return &row, nil
}

// InsertSnapshots inserts snapshot rows, skipping ids that already exist.
func (s *Store) InsertSnapshots(ctx context.Context, rows []Snapshot) error {
	if len(rows) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
	if err != nil {
		return storage.Failed("InsertSnapshots", "snapshots", err)
	}
	return nil
}

// AttachSnapshotImage records the archived URL of a standalone snapshot
// upload. A row pre-created by a legacy event keeps its event and type.
func (s *Store) AttachSnapshotImage(ctx context.Context, id, imageURL string) error {
	row := &Snapshot{ID: id, ImageURL: optString(imageURL)}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"image_url"}),
	}).Create(row).Error
	if err != nil {
		return storage.Failed("AttachSnapshotImage", "snapshots", err)
	}
	return nil
}

// ListSnapshots returns the snapshots of one event.
func (s *Store) ListSnapshots(ctx context.Context, eventID string) ([]Snapshot, error) {
	var rows []Snapshot
	if err := s.db.WithContext(ctx).Where("event_id = ?", eventID).Order("created_at asc").Find(&rows).Error; err != nil {
		return nil, storage.Failed("ListSnapshots", "snapshots", err)
	}
	return rows, nil
}

// CountChannelEvents counts events of a channel with start_time in [from, to].
func (s *Store) CountChannelEvents(ctx context.Context, channelID string, from, to int64) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Event{}).
		Where("channel_id = ? AND start_time BETWEEN ? AND ?", channelID, from, to).
		Count(&n).Error
	if err != nil {
		return 0, storage.Failed("CountChannelEvents", "events", err)
	}
	return n, nil
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func jsonColumn(raw json.RawMessage) datatypes.JSON {
	if len(raw) == 0 {
		return nil
	}
	return datatypes.JSON(append([]byte(nil), raw...))
}
