package ingest

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"eli-pipeline/internal/config"
	"eli-pipeline/internal/logging"
	"eli-pipeline/internal/metrics"
	"eli-pipeline/internal/queue"
	"eli-pipeline/internal/storage"
)

// WebhookPath is the only path recorded in the request log.
const WebhookPath = "/webhook/irex"

// maxLoggedBody caps the request and response bytes kept per log record.
const maxLoggedBody = 1 << 20

// RequestLog is the queue feeding the webhook request log writer.
type RequestLog = queue.RingBuffer[*storage.WebhookRequest]

// WithMiddleware wraps the handler with middleware. requestLog may be nil.
// Background work started here stops when ctx is done.
func WithMiddleware(ctx context.Context, handler http.Handler, cfg *config.Config, requestLog *RequestLog) http.Handler {
	// Apply middleware in reverse order (last applied runs first)
	h := handler

	// Recovery middleware
	h = recoveryMiddleware(h)

	// Request log capture for the webhook endpoint
	if requestLog != nil {
		h = requestLogMiddleware(h, requestLog, cfg.RateLimit.TrustProxy)
	}

	// Logging middleware
	h = loggingMiddleware(h)

	// API key authentication (if enabled)
	if cfg.Auth.Enabled {
		h = authMiddleware(h, cfg.Auth)
	}

	// Per-IP rate limiting (if enabled)
	if cfg.RateLimit.Enabled {
		limiter := NewRateLimiter(cfg.RateLimit)
		go func() {
			<-ctx.Done()
			limiter.Stop()
		}()
		h = rateLimitMiddleware(h, limiter)
	}

	return h
}

// loggingMiddleware logs HTTP requests.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status code
		wrapped := wrapResponseWriter(w, false)

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// authMiddleware checks for valid API key.
func authMiddleware(next http.Handler, authCfg config.AuthConfig) http.Handler {
	// Build a set of valid API keys for O(1) lookup
	validKeys := make(map[string]bool)
	for _, key := range authCfg.APIKeys {
		validKeys[key] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip auth for health and metrics endpoints
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		apiKey := r.Header.Get(authCfg.APIKeyHeader)
		if apiKey == "" {
			respondJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "missing API key"})
			return
		}

		if !validKeys[apiKey] {
			respondJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "invalid API key"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// adminMiddleware requires the admin token header when a token is configured.
func adminMiddleware(next http.Handler, adminCfg config.AdminConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if adminCfg.Token != "" {
			got := r.Header.Get(adminCfg.TokenHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(adminCfg.Token)) != 1 {
				respondJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "Unauthorized"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// recoveryMiddleware recovers from panics.
func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				slog.Error("panic recovered", "error", err, "path", r.URL.Path)
				respondJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
			}
		}()

		next.ServeHTTP(w, r)
	})
}

type requestLogKey struct{}

// requestLogMiddleware records webhook requests and hands them to the
// request log queue after the response is written. A full queue drops the
// record.
func requestLogMiddleware(next http.Handler, q *RequestLog, trustProxy bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != WebhookPath {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := storage.NewWebhookRequest()
		rec.Method = r.Method
		rec.Path = r.URL.Path
		rec.Host = r.Host
		rec.SourceIP = getClientIP(r, trustProxy)
		rec.UserAgent = r.UserAgent()
		rec.ContentType = r.Header.Get("Content-Type")
		rec.Headers = logging.MaskHeaders(r.Header)

		body := &cappedBuffer{limit: maxLoggedBody}
		r.Body = struct {
			io.Reader
			io.Closer
		}{io.TeeReader(r.Body, body), r.Body}

		wrapped := wrapResponseWriter(w, true)
		next.ServeHTTP(wrapped, r.WithContext(context.WithValue(r.Context(), requestLogKey{}, rec)))

		rec.Status = wrapped.statusCode
		rec.ProcessingTime = time.Since(start)
		rec.SetBody([]byte(logging.RedactImageData(body.String())))
		rec.ResponseBody = wrapped.body.String()

		if err := q.Push(rec); err != nil {
			metrics.RecordSideChannel("request_log", metrics.OutcomeDropped, 0)
			slog.Warn("request log record dropped", "error", err, "path", rec.Path)
		}
		metrics.RequestLogQueueDepth.Set(float64(q.Len()))
	})
}

func requestLogFrom(ctx context.Context) *storage.WebhookRequest {
	rec, _ := ctx.Value(requestLogKey{}).(*storage.WebhookRequest)
	return rec
}

// annotateError attaches an error message to the request log record, if any.
func annotateError(ctx context.Context, msg string) {
	if rec := requestLogFrom(ctx); rec != nil {
		rec.ErrorMessage = msg
	}
}

// annotateValidation attaches rejected items to the request log record, if any.
func annotateValidation(ctx context.Context, failures []ItemError) {
	rec := requestLogFrom(ctx)
	if rec == nil {
		return
	}
	if b, err := json.Marshal(failures); err == nil {
		rec.ValidationErrors = string(b)
	}
}

// cappedBuffer keeps at most limit bytes and silently discards the rest.
type cappedBuffer struct {
	bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.Len(); room > 0 {
		if len(p) > room {
			b.Buffer.Write(p[:room])
		} else {
			b.Buffer.Write(p)
		}
	}
	return len(p), nil
}

// responseWriter wraps http.ResponseWriter to capture the status code and,
// when capturing, the response body.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
	body        *cappedBuffer
}

func wrapResponseWriter(w http.ResponseWriter, capture bool) *responseWriter {
	rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
	if capture {
		rw.body = &cappedBuffer{limit: maxLoggedBody}
	}
	return rw
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(p []byte) (int, error) {
	rw.wroteHeader = true
	if rw.body != nil {
		rw.body.Write(p)
	}
	return rw.ResponseWriter.Write(p)
}

// Flush supports streaming responses such as the auto-purge event stream.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
