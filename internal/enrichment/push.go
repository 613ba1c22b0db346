package enrichment

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"eli-pipeline/internal/jobs"
)

// PushHandler exposes the worker over HTTP for push deliveries.
type PushHandler struct {
	worker     *Worker
	logger     *slog.Logger
	maxPayload int64
}

// NewPushHandler creates a PushHandler.
func NewPushHandler(worker *Worker, logger *slog.Logger) *PushHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PushHandler{worker: worker, logger: logger, maxPayload: 1 << 20}
}

type pushEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
}

// HandlePush handles POST /ai/pubsub. It always answers 204 so the push
// subscription does not redeliver; failures are logged.
func (h *PushHandler) HandlePush(w http.ResponseWriter, r *http.Request) {
	defer w.WriteHeader(http.StatusNoContent)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxPayload))
	if err != nil {
		h.logger.Warn("push delivery unreadable", "error", err)
		return
	}

	var env pushEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		h.logger.Warn("push envelope malformed", "error", err)
		return
	}

	data := []byte("{}")
	if env.Message.Data != "" {
		data, err = base64.StdEncoding.DecodeString(env.Message.Data)
		if err != nil {
			h.logger.Warn("push data is not base64", "message_id", env.Message.MessageID, "error", err)
			return
		}
	}

	if err := h.worker.HandleMessage(r.Context(), data); err != nil {
		h.logger.Error("push delivery failed", "message_id", env.Message.MessageID, "error", err)
	}
}

// HandleProcess handles POST /ai/process, a direct job for local runs.
func (h *PushHandler) HandleProcess(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxPayload))
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid request body"})
		return
	}

	var p jobs.Payload
	if len(body) > 0 {
		if err := json.Unmarshal(body, &p); err != nil {
			respondJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid job"})
			return
		}
	}

	out, err := h.worker.Process(r.Context(), p)
	if err != nil {
		h.logger.Error("direct job failed", "error", err)
		respondJSON(w, http.StatusInternalServerError, map[string]any{"error": "Processing failed"})
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"ok": true, "detections": out.Detections})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
