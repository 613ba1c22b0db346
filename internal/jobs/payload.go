// Package jobs publishes enrichment jobs for ingested events. Publishing is
// best effort: an unreachable or unconfigured queue yields a skipped result,
// never an error for the caller to surface.
package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Payload is one enrichment job.
type Payload struct {
	Event  EventRef  `json:"event"`
	Images []string  `json:"images"`
	Image  *ImageRef `json:"image,omitempty"`
}

// EventRef identifies the event a job belongs to.
type EventRef struct {
	ID        string `json:"id,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
	StartTime int64  `json:"start_time,omitempty"`
	ImageURL  string `json:"image_url,omitempty"`
}

// ImageRef is a single image reference some producers send instead of images.
type ImageRef struct {
	URL string `json:"url,omitempty"`
}

// ErrEmptyJob is returned for a message without a job.
var ErrEmptyJob = errors.New("jobs: empty job")

// Decode parses a job message. It accepts {"payload": <job>} or a bare job.
func Decode(data []byte) (Payload, error) {
	var envelope struct {
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Payload{}, fmt.Errorf("jobs: decode message: %w", err)
	}

	raw := json.RawMessage(data)
	if len(envelope.Payload) > 0 && string(envelope.Payload) != "null" {
		raw = envelope.Payload
	}

	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, fmt.Errorf("jobs: decode payload: %w", err)
	}
	if p.Event.ID == "" && p.Event.ChannelID == "" && p.PrimaryImage() == "" {
		return Payload{}, ErrEmptyJob
	}
	return p, nil
}

// PrimaryImage returns images[0], else image.url, else event.image_url.
func (p Payload) PrimaryImage() string {
	if len(p.Images) > 0 && p.Images[0] != "" {
		return p.Images[0]
	}
	if p.Image != nil && p.Image.URL != "" {
		return p.Image.URL
	}
	return p.Event.ImageURL
}

// Key identifies the job for logs and idempotency: the event id, else the
// primary image reference.
func (p Payload) Key() string {
	if p.Event.ID != "" {
		return p.Event.ID
	}
	return p.PrimaryImage()
}
