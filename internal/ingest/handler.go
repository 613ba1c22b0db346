// Package ingest handles HTTP ingestion of events.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	pipeerrors "eli-pipeline/internal/errors"
	"eli-pipeline/internal/metrics"
	"eli-pipeline/internal/schema"
	"eli-pipeline/internal/storage"
)

// Endpoint and result label values.
const (
	endpointWebhook        = "webhook"
	endpointLegacyEvent    = "legacy_event"
	endpointLegacySnapshot = "legacy_snapshot"

	resultProcessed = "processed"
	resultInvalid   = "invalid"
	resultError     = "error"
	// The authoritative store could not be reached, as opposed to rejecting the write.
	resultUnavailable = "unavailable"
)

// Client-facing error messages.
const (
	msgInvalidPayload   = pipeerrors.MsgInvalidPayload
	msgWebhookFailed    = pipeerrors.MsgWebhookFailed
	msgEventFailed      = pipeerrors.MsgEventFailed
	msgSnapshotFailed   = pipeerrors.MsgSnapshotFailed
	msgInvalidSnapshot  = pipeerrors.MsgInvalidSnapshot
	msgPayloadTooLarge  = "Payload too large"
	msgBatchTooLarge    = "Batch too large"
	msgUnreadableBody   = "Failed to read request body"
	codeInvalidJSON     = "invalid_json"
	codeInvalidImage    = "invalid_image"
	codeTooManyElements = "too_big"
)

// Handler serves the ingest endpoints.
type Handler struct {
	normalizer  *schema.Normalizer
	coordinator *Coordinator
	maxPayload  int
	maxBatch    int
	startTime   time.Time

	mu     sync.RWMutex
	checks []healthCheck
}

type healthCheck struct {
	name     string
	critical bool
	fn       func(ctx context.Context) error
}

// NewHandler creates a new ingest Handler.
func NewHandler(normalizer *schema.Normalizer, coordinator *Coordinator) *Handler {
	if normalizer == nil {
		normalizer = schema.NewNormalizer(nil)
	}
	return &Handler{
		normalizer:  normalizer,
		coordinator: coordinator,
		maxPayload:  10 * 1024 * 1024, // 10MB default
		maxBatch:    1000,
		startTime:   time.Now(),
	}
}

// WithMaxPayload sets the maximum payload size.
func (h *Handler) WithMaxPayload(size int) *Handler {
	h.maxPayload = size
	return h
}

// WithMaxBatch sets the maximum batch size.
func (h *Handler) WithMaxBatch(size int) *Handler {
	h.maxBatch = size
	return h
}

// WithHealthCheck registers a component for GET /health. A failing critical
// component turns the response into 503.
func (h *Handler) WithHealthCheck(name string, critical bool, fn func(ctx context.Context) error) *Handler {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, healthCheck{name: name, critical: critical, fn: fn})
	return h
}

// ItemError lists the issues of one rejected batch item.
type ItemError struct {
	Index  int                `json:"index"`
	Issues []pipeerrors.Issue `json:"issues"`
}

// WebhookResponse is the 200 response of POST /webhook/irex.
type WebhookResponse struct {
	Status    string      `json:"status"`
	Processed int         `json:"processed"`
	Failed    int         `json:"failed"`
	Results   []Result    `json:"results"`
	Errors    []ItemError `json:"errors,omitempty"`
}

// ErrorResponse is the body of every 4xx and 5xx ingest response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

// HandleWebhook handles POST /webhook/irex. Items are processed in order;
// one item's failure never affects the others, but an authoritative store
// failure aborts the request.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status := h.handleWebhook(w, r)
	observe(endpointWebhook, status, start)
}

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) int {
	body, status := h.readBody(w, r)
	if status != 0 {
		return status
	}

	batch, err := h.normalizer.Normalize(body)
	if err != nil {
		details := []ItemError{malformed(err)}
		annotateValidation(r.Context(), details)
		return respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: msgInvalidPayload, Details: details})
	}
	if len(batch.Items) > h.maxBatch {
		annotateError(r.Context(), fmt.Sprintf("batch of %d items exceeds %d", len(batch.Items), h.maxBatch))
		issue := pipeerrors.Issue{
			Path:    []any{},
			Code:    codeTooManyElements,
			Message: fmt.Sprintf("batch size exceeds maximum of %d", h.maxBatch),
		}
		return respondJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: msgBatchTooLarge, Details: []pipeerrors.Issue{issue}})
	}

	results := make([]Result, 0, len(batch.Items))
	var failures []ItemError

	for _, item := range batch.Items {
		if !item.Valid() {
			metrics.IngestItemsTotal.WithLabelValues(endpointWebhook, resultInvalid).Inc()
			failures = append(failures, ItemError{Index: item.Index, Issues: item.Err.Issues})
			continue
		}

		res, err := h.coordinator.Process(r.Context(), item.Event)
		if err != nil {
			var uploadErr *pipeerrors.ImageUploadError
			if errors.As(err, &uploadErr) {
				metrics.IngestItemsTotal.WithLabelValues(endpointWebhook, resultInvalid).Inc()
				failures = append(failures, imageFailure(item.Index, uploadErr))
				continue
			}

			metrics.IngestItemsTotal.WithLabelValues(endpointWebhook, failureResult(err)).Inc()
			slog.Error("webhook item failed",
				"index", item.Index,
				"id", item.Event.ID,
				"store_unavailable", storage.IsUnavailable(err),
				"error", pipeerrors.SanitizeError(err),
			)
			annotateError(r.Context(), pipeerrors.SafeErrorMessage(err, msgWebhookFailed))
			return respondJSON(w, http.StatusInternalServerError, ErrorResponse{Error: msgWebhookFailed})
		}

		metrics.IngestItemsTotal.WithLabelValues(endpointWebhook, resultProcessed).Inc()
		results = append(results, res)
	}

	if len(results) == 0 && len(failures) > 0 {
		annotateValidation(r.Context(), failures)
		return respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: msgInvalidPayload, Details: failures})
	}

	if len(failures) > 0 {
		annotateValidation(r.Context(), failures)
	}
	return respondJSON(w, http.StatusOK, WebhookResponse{
		Status:    "success",
		Processed: len(results),
		Failed:    len(failures),
		Results:   results,
		Errors:    failures,
	})
}

// HandleLegacyEvent handles POST /ingest/event, the flat single-event form.
// Success is an empty 200.
func (h *Handler) HandleLegacyEvent(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status := h.handleLegacyEvent(w, r)
	observe(endpointLegacyEvent, status, start)
}

func (h *Handler) handleLegacyEvent(w http.ResponseWriter, r *http.Request) int {
	body, status := h.readBody(w, r)
	if status != 0 {
		return status
	}

	batch, err := h.normalizer.NormalizeAs(body, schema.ShapeLegacy)
	if err == nil && batch.IsArray {
		err = fmt.Errorf("%w: expected a single event object", schema.ErrMalformedBody)
	}
	if err != nil {
		metrics.IngestItemsTotal.WithLabelValues(endpointLegacyEvent, resultInvalid).Inc()
		return respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: msgInvalidPayload, Details: malformed(err).Issues})
	}

	item := batch.Items[0]
	if !item.Valid() {
		metrics.IngestItemsTotal.WithLabelValues(endpointLegacyEvent, resultInvalid).Inc()
		return respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: msgInvalidPayload, Details: item.Err.Issues})
	}

	if _, err := h.coordinator.ProcessLegacy(r.Context(), item.Event); err != nil {
		metrics.IngestItemsTotal.WithLabelValues(endpointLegacyEvent, failureResult(err)).Inc()
		slog.Error("legacy event failed",
			"id", item.Event.ID,
			"store_unavailable", storage.IsUnavailable(err),
			"error", pipeerrors.SanitizeError(err),
		)
		return respondJSON(w, http.StatusInternalServerError, ErrorResponse{Error: msgEventFailed})
	}

	metrics.IngestItemsTotal.WithLabelValues(endpointLegacyEvent, resultProcessed).Inc()
	w.WriteHeader(http.StatusOK)
	return http.StatusOK
}

// HandleLegacySnapshot handles POST /ingest/snapshot, a standalone image
// upload for a snapshot id announced by a legacy event.
func (h *Handler) HandleLegacySnapshot(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status := h.handleLegacySnapshot(w, r)
	observe(endpointLegacySnapshot, status, start)
}

func (h *Handler) handleLegacySnapshot(w http.ResponseWriter, r *http.Request) int {
	body, status := h.readBody(w, r)
	if status != 0 {
		return status
	}

	up, verr, err := h.normalizer.NormalizeSnapshotUpload(body)
	if err != nil {
		metrics.IngestItemsTotal.WithLabelValues(endpointLegacySnapshot, resultInvalid).Inc()
		return respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: msgInvalidPayload, Details: malformed(err).Issues})
	}
	if verr != nil {
		metrics.IngestItemsTotal.WithLabelValues(endpointLegacySnapshot, resultInvalid).Inc()
		return respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: msgInvalidPayload, Details: verr.Issues})
	}

	if err := h.coordinator.AttachSnapshot(r.Context(), up); err != nil {
		var uploadErr *pipeerrors.ImageUploadError
		if errors.As(err, &uploadErr) {
			metrics.IngestItemsTotal.WithLabelValues(endpointLegacySnapshot, resultInvalid).Inc()
			slog.Warn("legacy snapshot rejected", "id", up.ID, "error", pipeerrors.SanitizeError(err))
			return respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: msgInvalidSnapshot})
		}
		metrics.IngestItemsTotal.WithLabelValues(endpointLegacySnapshot, failureResult(err)).Inc()
		slog.Error("legacy snapshot failed",
			"id", up.ID,
			"store_unavailable", storage.IsUnavailable(err),
			"error", pipeerrors.SanitizeError(err),
		)
		return respondJSON(w, http.StatusInternalServerError, ErrorResponse{Error: msgSnapshotFailed})
	}

	metrics.IngestItemsTotal.WithLabelValues(endpointLegacySnapshot, resultProcessed).Inc()
	w.WriteHeader(http.StatusOK)
	return http.StatusOK
}

func failureResult(err error) string {
	if storage.IsUnavailable(err) {
		return resultUnavailable
	}
	return resultError
}

// readBody reads the request body within the payload limit. A non-zero
// status means the response was already written.
func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, int) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, int64(h.maxPayload)))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			annotateError(r.Context(), msgPayloadTooLarge)
			return nil, respondJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: msgPayloadTooLarge})
		}
		annotateError(r.Context(), msgUnreadableBody)
		return nil, respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: msgUnreadableBody})
	}
	return body, 0
}

// HealthCheck handles GET /health.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	h.mu.RLock()
	checks := append([]healthCheck(nil), h.checks...)
	h.mu.RUnlock()

	status := "healthy"
	code := http.StatusOK
	components := make(map[string]string, len(checks))
	for _, c := range checks {
		if err := c.fn(ctx); err != nil {
			components[c.name] = pipeerrors.SafeErrorMessage(err, "unavailable")
			if c.critical {
				status = "unhealthy"
				code = http.StatusServiceUnavailable
			} else if status == "healthy" {
				status = "degraded"
			}
			continue
		}
		components[c.name] = "ok"
	}

	respondJSON(w, code, map[string]any{
		"status":         status,
		"components":     components,
		"uptime_seconds": int(time.Since(h.startTime).Seconds()),
	})
}

func malformed(err error) ItemError {
	return ItemError{
		Index: 0,
		Issues: []pipeerrors.Issue{{
			Path:    []any{},
			Code:    codeInvalidJSON,
			Message: err.Error(),
		}},
	}
}

func imageFailure(index int, err *pipeerrors.ImageUploadError) ItemError {
	return ItemError{
		Index: index,
		Issues: []pipeerrors.Issue{{
			Path:    []any{"snapshots"},
			Code:    codeInvalidImage,
			Message: pipeerrors.SanitizeString(err.Err.Error()),
		}},
	}
}

func observe(endpoint string, status int, start time.Time) {
	metrics.IngestRequestDuration.
		WithLabelValues(endpoint, strconv.Itoa(status)).
		Observe(time.Since(start).Seconds())
}

// respondJSON writes a JSON response and returns status.
func respondJSON(w http.ResponseWriter, status int, data any) int {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
	return status
}
