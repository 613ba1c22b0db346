package ingest

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"eli-pipeline/internal/config"
)

// NewRouter registers the ingest endpoints. Admin routes are added only when
// admin is non-nil and sit behind the admin token check.
func NewRouter(h *Handler, admin *AdminHandler, adminCfg config.AdminConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+WebhookPath, h.HandleWebhook)
	mux.HandleFunc("POST /ingest/event", h.HandleLegacyEvent)
	mux.HandleFunc("POST /ingest/snapshot", h.HandleLegacySnapshot)
	mux.HandleFunc("GET /health", h.HealthCheck)
	mux.Handle("GET /metrics", promhttp.Handler())

	if admin != nil {
		mux.Handle("POST /admin/images/purge", adminMiddleware(http.HandlerFunc(admin.HandlePurge), adminCfg))
		mux.Handle("POST /admin/images/auto-purge", adminMiddleware(http.HandlerFunc(admin.HandleAutoPurge), adminCfg))
	}
	return mux
}
