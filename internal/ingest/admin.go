package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	pipeerrors "eli-pipeline/internal/errors"
	"eli-pipeline/internal/storage/s3"
)

const (
	defaultPurgeDays    = 7
	defaultPurgeBatches = 2
	defaultAutoPurgeFor = 240 * time.Second
)

// Purger deletes archived images past their retention.
type Purger interface {
	Purge(ctx context.Context, opts s3.PurgeOptions) (*s3.PurgeResult, error)
	AutoPurge(ctx context.Context, days int, maxTime time.Duration, progress func(s3.PurgeProgress)) (*s3.AutoPurgeResult, error)
}

// AdminHandler serves the image retention endpoints.
type AdminHandler struct {
	purger       Purger
	maxPurgeTime time.Duration
	logger       *slog.Logger
}

// NewAdminHandler creates an AdminHandler. maxPurgeTime caps the time budget
// a caller may request for an auto-purge.
func NewAdminHandler(purger Purger, maxPurgeTime time.Duration, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if maxPurgeTime <= 0 {
		maxPurgeTime = 5 * time.Minute
	}
	return &AdminHandler{purger: purger, maxPurgeTime: maxPurgeTime, logger: logger}
}

// PurgeRequest is the body of POST /admin/images/purge.
type PurgeRequest struct {
	Days       *int   `json:"days"`
	DryRun     bool   `json:"dry_run"`
	MaxBatches int    `json:"max_batches"`
	Cursor     string `json:"cursor"`
}

// AutoPurgeRequest is the body of POST /admin/images/auto-purge.
type AutoPurgeRequest struct {
	Days           *int `json:"days"`
	MaxTimeSeconds int  `json:"max_time_seconds"`
}

// HandlePurge handles POST /admin/images/purge.
func (a *AdminHandler) HandlePurge(w http.ResponseWriter, r *http.Request) {
	var req PurgeRequest
	if err := decodeOptional(r, &req); err != nil {
		respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid request body"})
		return
	}

	days := defaultPurgeDays
	if req.Days != nil {
		days = *req.Days
	}
	if days < 0 {
		respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: "days must not be negative"})
		return
	}
	batches := req.MaxBatches
	if batches <= 0 {
		batches = defaultPurgeBatches
	}

	res, err := a.purger.Purge(r.Context(), s3.PurgeOptions{
		Days:       days,
		DryRun:     req.DryRun,
		MaxBatches: batches,
		Cursor:     req.Cursor,
	})
	if err != nil {
		a.logger.Error("image purge failed", "days", days, "error", pipeerrors.SanitizeError(err))
		respondJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Purge failed"})
		return
	}

	a.logger.Info("image purge",
		"days", days,
		"dry_run", res.DryRun,
		"total", res.Total,
		"deleted", res.Deleted,
		"has_more", res.HasMore,
		"resumed", req.Cursor != "",
	)
	respondJSON(w, http.StatusOK, res)
}

// HandleAutoPurge handles POST /admin/images/auto-purge. Progress is streamed
// as server-sent events: start, progress per round, then complete or error.
func (a *AdminHandler) HandleAutoPurge(w http.ResponseWriter, r *http.Request) {
	var req AutoPurgeRequest
	if err := decodeOptional(r, &req); err != nil {
		respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid request body"})
		return
	}

	days := defaultPurgeDays
	if req.Days != nil {
		days = *req.Days
	}
	maxTime := defaultAutoPurgeFor
	if req.MaxTimeSeconds > 0 {
		maxTime = time.Duration(req.MaxTimeSeconds) * time.Second
	}
	maxTime = min(maxTime, a.maxPurgeTime)

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func(event map[string]any) {
		b, err := json.Marshal(event)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", b)
		flusher.Flush()
	}

	send(map[string]any{"type": "start", "days": days, "maxTimeSeconds": int(maxTime.Seconds())})

	ctx, cancel := context.WithTimeout(r.Context(), maxTime)
	defer cancel()

	res, err := a.purger.AutoPurge(ctx, days, maxTime, func(p s3.PurgeProgress) {
		send(map[string]any{
			"type":         "progress",
			"batch":        p.Batch,
			"deleted":      p.Deleted,
			"totalDeleted": p.TotalDeleted,
			"hasMore":      p.HasMore,
			"timeElapsed":  p.TimeElapsed,
		})
	})
	if err != nil {
		a.logger.Error("auto-purge failed", "days", days, "error", pipeerrors.SanitizeError(err))
		send(map[string]any{"type": "error", "error": pipeerrors.SafeErrorMessage(err, "Purge failed")})
		return
	}

	send(map[string]any{
		"type":         "complete",
		"totalDeleted": res.TotalDeleted,
		"batchesRun":   res.BatchesRun,
		"timeElapsed":  res.TimeElapsed,
		"completed":    res.Completed,
	})
}

// decodeOptional decodes a JSON body into v; an empty body leaves v unchanged.
func decodeOptional(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, v)
}
