// Package schema defines the canonical event record for eli-pipeline.
// Every inbound webhook item, nested or legacy, is normalized to this structure
// before it reaches a store.
package schema

import (
	"encoding/json"
)

// Shape discriminates the inbound wire forms an item can take.
type Shape int

const (
	// ShapeAuto asks the normalizer to detect the shape.
	ShapeAuto Shape = iota
	// ShapeNested is the modern webhook form with an embedded channel object.
	ShapeNested
	// ShapeLegacy is the flat form with top-level channel_id and address.
	ShapeLegacy
)

// String returns the shape name.
func (s Shape) String() string {
	switch s {
	case ShapeNested:
		return "nested"
	case ShapeLegacy:
		return "legacy"
	default:
		return "auto"
	}
}

// Snapshot types accepted by the feed.
const (
	SnapshotFullscreen = "FULLSCREEN"
	SnapshotThumbnail  = "THUMBNAIL"
)

// Event is the canonical event record.
type Event struct {
	// Required fields
	ID        string `json:"id" validate:"required"`
	StartTime int64  `json:"start_time"`

	// Optional fields
	EventID   string          `json:"event_id,omitempty"`
	MonitorID string          `json:"monitor_id,omitempty"`
	Topic     string          `json:"topic,omitempty"`
	Module    string          `json:"module,omitempty"`
	Level     *Level          `json:"level,omitempty"`
	EndTime   *int64          `json:"end_time,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Channel   Channel         `json:"channel"`
	Snapshots []Snapshot      `json:"snapshots" validate:"dive"`

	// Set by the normalizer
	Shape Shape `json:"-"`
}

// HasChannel reports whether the event references a channel.
func (e *Event) HasChannel() bool {
	return e.Channel.ID != ""
}

// Channel is the camera or stream that produced the event.
type Channel struct {
	ID        string          `json:"id,omitempty"`
	Type      string          `json:"channel_type,omitempty"`
	Name      string          `json:"name,omitempty"`
	Latitude  *float64        `json:"latitude,omitempty"`
	Longitude *float64        `json:"longitude,omitempty"`
	Address   json.RawMessage `json:"address,omitempty"`
	Tags      []Tag           `json:"tags,omitempty" validate:"dive"`
}

// Tag labels a channel.
type Tag struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// Snapshot is an image reference attached to an event. Image carries inline
// base64 or data URI bytes and is cleared once archived.
type Snapshot struct {
	ID    string `json:"id,omitempty"`
	Type  string `json:"type,omitempty" validate:"omitempty,oneof=FULLSCREEN THUMBNAIL"`
	Path  string `json:"path,omitempty"`
	Image string `json:"image,omitempty"`
}

// HasImage reports whether the snapshot carries inline image bytes.
func (s Snapshot) HasImage() bool {
	return s.Image != ""
}

// Level is a severity that the feed sends either as an integer or a string.
type Level struct {
	Int    *int64
	String string
}

// Value returns the level as an int64 or a string, for store drivers.
func (l *Level) Value() any {
	if l == nil {
		return nil
	}
	if l.Int != nil {
		return *l.Int
	}
	return l.String
}

// Text returns the level rendered as text.
func (l *Level) Text() string {
	if l == nil {
		return ""
	}
	if l.Int != nil {
		return formatInt(*l.Int)
	}
	return l.String
}

// MarshalJSON encodes the level in its original form.
func (l Level) MarshalJSON() ([]byte, error) {
	if l.Int != nil {
		return json.Marshal(*l.Int)
	}
	return json.Marshal(l.String)
}

// SnapshotUpload is the legacy standalone image upload.
type SnapshotUpload struct {
	ID       string `json:"id" validate:"required"`
	Snapshot string `json:"snapshot" validate:"required"`
}
