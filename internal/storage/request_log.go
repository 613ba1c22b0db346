package storage

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// WebhookRequest is one row of the webhook request log.
type WebhookRequest struct {
	ID               uuid.UUID
	ReceivedAt       time.Time
	Method           string
	Path             string
	Status           int
	Host             string
	SourceIP         string
	UserAgent        string
	ContentType      string
	Headers          map[string]string
	BodyJSON         string
	BodyRaw          string
	ResponseBody     string
	ErrorMessage     string
	ValidationErrors string
	ProcessingTime   time.Duration
}

// NewWebhookRequest fills ID and ReceivedAt.
func NewWebhookRequest() *WebhookRequest {
	return &WebhookRequest{
		ID:         uuid.New(),
		ReceivedAt: time.Now().UTC(),
	}
}

// SetBody stores body as JSON when it parses, otherwise as raw text.
func (r *WebhookRequest) SetBody(body []byte) {
	if len(body) == 0 {
		return
	}
	if json.Valid(body) {
		r.BodyJSON = string(body)
		return
	}
	r.BodyRaw = string(body)
}

func (r *WebhookRequest) headersJSON() string {
	if len(r.Headers) == 0 {
		return "{}"
	}
	b, err := json.Marshal(r.Headers)
	if err != nil {
		return "{}"
	}
	return string(b)
}
