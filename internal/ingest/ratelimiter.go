package ingest

import (
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"eli-pipeline/internal/config"
)

// RateLimiter is a per-IP token bucket limiter.
type RateLimiter struct {
	cfg         config.RateLimitConfig
	clients     map[string]*clientState
	mu          sync.Mutex
	exemptPaths map[string]bool
	stopCleanup chan struct{}
	stopOnce    sync.Once
	now         func() time.Time
}

// clientState tracks the bucket of a single client.
type clientState struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	exemptPaths := make(map[string]bool)
	for _, path := range cfg.ExemptPaths {
		exemptPaths[path] = true
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = 5 * time.Minute
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Minute
	}

	rl := &RateLimiter{
		cfg:         cfg,
		clients:     make(map[string]*clientState),
		exemptPaths: exemptPaths,
		stopCleanup: make(chan struct{}),
		now:         time.Now,
	}

	// Start background cleanup
	go rl.cleanupLoop()

	return rl
}

// Allow reports whether a request from ip may proceed, and the tokens left.
func (rl *RateLimiter) Allow(ip string) (bool, int) {
	now := rl.now()

	rl.mu.Lock()
	client, exists := rl.clients[ip]
	if !exists {
		client = &clientState{
			limiter: rate.NewLimiter(rate.Limit(rl.cfg.RequestsPerSec), rl.cfg.BurstSize),
		}
		rl.clients[ip] = client
	}
	client.lastSeen = now
	rl.mu.Unlock()

	allowed := client.limiter.AllowN(now, 1)
	remaining := int(math.Max(0, math.Floor(client.limiter.TokensAt(now))))
	return allowed, remaining
}

// RetryAfter returns how long a rejected client should wait for one token.
func (rl *RateLimiter) RetryAfter() time.Duration {
	if rl.cfg.RequestsPerSec <= 0 {
		return time.Second
	}
	return time.Duration(float64(time.Second) / rl.cfg.RequestsPerSec)
}

// cleanupLoop periodically removes idle client entries.
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cfg.CleanupPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCleanup:
			return
		}
	}
}

// cleanup removes clients idle for longer than the idle timeout.
func (rl *RateLimiter) cleanup() {
	cutoff := rl.now().Add(-rl.cfg.IdleTimeout)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for ip, client := range rl.clients {
		if client.lastSeen.Before(cutoff) {
			delete(rl.clients, ip)
			removed++
		}
	}

	if removed > 0 {
		slog.Debug("rate limiter cleanup", "removed", removed, "remaining", len(rl.clients))
	}
}

// Stop stops the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}

// IsExempt checks if a path is exempt from rate limiting.
func (rl *RateLimiter) IsExempt(path string) bool {
	return rl.exemptPaths[path]
}

// Stats returns current rate limiter statistics.
func (rl *RateLimiter) Stats() RateLimiterStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	return RateLimiterStats{
		TrackedIPs: len(rl.clients),
	}
}

// RateLimiterStats holds rate limiter statistics.
type RateLimiterStats struct {
	TrackedIPs int `json:"tracked_ips"`
}

// Global metrics for rate limiting
var (
	rateLimitedTotal uint64
	rateLimitAllowed uint64
)

// rateLimitMiddleware applies rate limiting based on client IP.
func rateLimitMiddleware(next http.Handler, limiter *RateLimiter) http.Handler {
	cfg := limiter.cfg

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Check exempt paths
		if limiter.IsExempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		ip := getClientIP(r, cfg.TrustProxy)
		allowed, remaining := limiter.Allow(ip)

		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", cfg.BurstSize))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))

		if !allowed {
			atomic.AddUint64(&rateLimitedTotal, 1)

			slog.Warn("rate limit exceeded",
				"ip", ip,
				"path", r.URL.Path,
				"method", r.Method,
			)

			retryAfter := int(math.Ceil(limiter.RetryAfter().Seconds()))
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			respondJSON(w, http.StatusTooManyRequests, ErrorResponse{Error: "Too many requests"})
			return
		}

		atomic.AddUint64(&rateLimitAllowed, 1)
		next.ServeHTTP(w, r)
	})
}

// getClientIP extracts the client IP from the request.
func getClientIP(r *http.Request, trustProxy bool) string {
	// If we trust the proxy, check X-Forwarded-For
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			// X-Forwarded-For may contain multiple IPs, take the first
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}

		// Also check X-Real-IP
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return xri
		}
	}

	// Fall back to RemoteAddr
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// GetRateLimitStats returns rate limiting statistics.
func GetRateLimitStats() (allowed, limited uint64) {
	return atomic.LoadUint64(&rateLimitAllowed), atomic.LoadUint64(&rateLimitedTotal)
}
