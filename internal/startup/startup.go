// Package startup provides verbose startup diagnostics and initialization
package startup

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"eli-pipeline/internal/config"
	"eli-pipeline/internal/jobs"
)

// Service names select which checks apply.
const (
	ServiceIngest = "ingest"
	ServiceWorker = "worker"
	ServicePurge  = "purge"
)

// DiagnosticResult represents the result of a diagnostic check
type DiagnosticResult struct {
	Name    string
	Status  Status
	Message string
	Details map[string]string
}

// Status represents the status of a diagnostic check
type Status int

const (
	StatusOK Status = iota
	StatusWarning
	StatusError
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusWarning:
		return "WARNING"
	case StatusError:
		return "ERROR"
	case StatusSkipped:
		return "SKIPPED"
	default:
		return "UNKNOWN"
	}
}

// Diagnostics runs all startup diagnostics
type Diagnostics struct {
	cfg     *config.Config
	service string
	results []DiagnosticResult
	logger  *slog.Logger
	dial    func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewDiagnostics creates a new diagnostics runner for one service.
func NewDiagnostics(cfg *config.Config, service string, logger *slog.Logger) *Diagnostics {
	if logger == nil {
		logger = slog.Default()
	}
	return &Diagnostics{
		cfg:     cfg,
		service: service,
		logger:  logger,
		dial:    (&net.Dialer{}).DialContext,
	}
}

// RunAll runs all diagnostic checks
func (d *Diagnostics) RunAll(ctx context.Context) []DiagnosticResult {
	d.logger.Info("=== ELI Pipeline Startup Diagnostics ===", "service", d.service)

	d.checkSystem()
	d.checkConfiguration()

	if d.service != ServicePurge {
		d.checkPorts()
		d.checkSecurityConfiguration()
	}

	d.checkModules()
	d.checkStorage(ctx)

	d.printSummary()

	return d.results
}

func (d *Diagnostics) addResult(result DiagnosticResult) {
	d.results = append(d.results, result)

	attrs := []any{
		"check", result.Name,
		"status", result.Status.String(),
	}
	if result.Message != "" {
		attrs = append(attrs, "message", result.Message)
	}
	for k, v := range result.Details {
		attrs = append(attrs, k, v)
	}

	switch result.Status {
	case StatusOK:
		d.logger.Info("diagnostic check passed", attrs...)
	case StatusWarning:
		d.logger.Warn("diagnostic check warning", attrs...)
	case StatusError:
		d.logger.Error("diagnostic check failed", attrs...)
	case StatusSkipped:
		d.logger.Debug("diagnostic check skipped", attrs...)
	}
}

func (d *Diagnostics) checkSystem() {
	d.addResult(DiagnosticResult{
		Name:    "runtime",
		Status:  StatusOK,
		Message: "Go runtime detected",
		Details: map[string]string{
			"go_version": runtime.Version(),
			"os":         runtime.GOOS,
			"arch":       runtime.GOARCH,
			"cpus":       fmt.Sprintf("%d", runtime.NumCPU()),
		},
	})
}

func (d *Diagnostics) checkConfiguration() {
	configPath := os.Getenv("ELI_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		d.addResult(DiagnosticResult{
			Name:    "config_file",
			Status:  StatusWarning,
			Message: "Config file not found, using defaults and environment",
			Details: map[string]string{"path": configPath},
		})
	} else {
		d.addResult(DiagnosticResult{
			Name:    "config_file",
			Status:  StatusOK,
			Message: "Config file found",
			Details: map[string]string{"path": configPath},
		})
	}

	if err := d.cfg.Validate(); err != nil {
		d.addResult(DiagnosticResult{
			Name:    "config_validation",
			Status:  StatusError,
			Message: fmt.Sprintf("Configuration validation failed: %s", err),
		})
	} else {
		d.addResult(DiagnosticResult{
			Name:    "config_validation",
			Status:  StatusOK,
			Message: "Configuration is valid",
		})
	}

	if d.cfg.MockMode {
		d.addResult(DiagnosticResult{
			Name:    "mock_mode",
			Status:  StatusWarning,
			Message: "Mock mode is ON - events are validated but not stored",
		})
	}
}

func (d *Diagnostics) checkPorts() {
	name, port := "ingest_http", d.cfg.Server.HTTPPort
	if d.service == ServiceWorker {
		name, port = "worker_http", d.cfg.Worker.HTTPPort
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		d.addResult(DiagnosticResult{
			Name:    "port_" + name,
			Status:  StatusError,
			Message: fmt.Sprintf("Port %d is not available: %s", port, err),
			Details: map[string]string{"port": fmt.Sprintf("%d", port)},
		})
		return
	}
	listener.Close()
	d.addResult(DiagnosticResult{
		Name:    "port_" + name,
		Status:  StatusOK,
		Message: fmt.Sprintf("Port %d is available", port),
		Details: map[string]string{"port": fmt.Sprintf("%d", port)},
	})
}

func (d *Diagnostics) checkSecurityConfiguration() {
	if d.service == ServiceIngest {
		if !d.cfg.Auth.Enabled {
			d.addResult(DiagnosticResult{
				Name:    "auth",
				Status:  StatusWarning,
				Message: "API key authentication is DISABLED",
				Details: map[string]string{"recommendation": "Set auth.enabled=true"},
			})
		} else {
			d.addResult(DiagnosticResult{
				Name:    "auth",
				Status:  StatusOK,
				Message: "API key authentication is enabled",
			})
		}

		if !d.cfg.RateLimit.Enabled {
			d.addResult(DiagnosticResult{
				Name:    "rate_limiting",
				Status:  StatusWarning,
				Message: "Rate limiting is DISABLED",
			})
		} else {
			d.addResult(DiagnosticResult{
				Name:    "rate_limiting",
				Status:  StatusOK,
				Message: "Rate limiting is enabled",
				Details: map[string]string{
					"requests_per_sec": fmt.Sprintf("%g", d.cfg.RateLimit.RequestsPerSec),
					"burst":            fmt.Sprintf("%d", d.cfg.RateLimit.BurstSize),
				},
			})
		}

		if d.cfg.Archive.Enabled && d.cfg.Admin.Token == "" {
			d.addResult(DiagnosticResult{
				Name:    "admin_token",
				Status:  StatusWarning,
				Message: "Admin purge routes are open - no admin token set",
				Details: map[string]string{"recommendation": "Set ADMIN_TOKEN"},
			})
		}
	}
}

func (d *Diagnostics) checkModules() {
	cfg := d.cfg
	modules := []struct {
		name    string
		enabled bool
	}{
		{"graph", cfg.Graph.Enabled && !cfg.MockMode},
		{"image_archive", cfg.Archive.Enabled && !cfg.MockMode},
		{"job_publisher_" + cfg.Publisher.Backend, cfg.Publisher.Backend != jobs.BackendNone && !cfg.MockMode},
		{"request_log", cfg.RequestLog.Enabled},
		{"detector", cfg.Worker.Detector.URL != ""},
		{"insight_llm", cfg.Insight.LLM.Enabled()},
		{"insight_lease", cfg.Insight.LeaseEnabled && cfg.Redis.Addr != ""},
	}

	enabledCount := 0
	for _, m := range modules {
		status := StatusSkipped
		message := "Disabled"
		if m.enabled {
			status = StatusOK
			message = "Enabled"
			enabledCount++
		}
		d.addResult(DiagnosticResult{
			Name:    "module_" + m.name,
			Status:  status,
			Message: message,
		})
	}

	d.logger.Info("modules summary", "enabled", enabledCount, "total", len(modules))
}

// checkStorage dials every configured backend. Only the relational store is
// authoritative; the others degrade to warnings.
func (d *Diagnostics) checkStorage(ctx context.Context) {
	cfg := d.cfg
	if cfg.MockMode {
		d.addResult(DiagnosticResult{
			Name:    "storage",
			Status:  StatusSkipped,
			Message: "Mock mode - storage not used",
		})
		return
	}

	d.checkRelational(ctx)

	if d.service == ServicePurge {
		return
	}
	if cfg.Graph.Enabled {
		d.checkReachable(ctx, "graph_connectivity", hostFromURL(cfg.Graph.URI, "7687"), StatusWarning)
	}
	if d.service == ServiceIngest {
		switch cfg.Publisher.Backend {
		case jobs.BackendKafka:
			if cfg.Publisher.Kafka != nil && len(cfg.Publisher.Kafka.Brokers) > 0 {
				d.checkReachable(ctx, "kafka_connectivity", cfg.Publisher.Kafka.Brokers[0], StatusWarning)
			}
		case jobs.BackendNATS:
			if cfg.Publisher.NATS.URL != "" {
				d.checkReachable(ctx, "nats_connectivity", hostFromURL(cfg.Publisher.NATS.URL, "4222"), StatusWarning)
			}
		}
		if cfg.RequestLog.Enabled && len(cfg.RequestLog.ClickHouse.Hosts) > 0 {
			d.checkReachable(ctx, "clickhouse_connectivity", cfg.RequestLog.ClickHouse.Hosts[0], StatusWarning)
		}
	}
	if d.service == ServiceWorker && cfg.Redis.Addr != "" {
		d.checkReachable(ctx, "redis_connectivity", cfg.Redis.Addr, StatusWarning)
	}
}

func (d *Diagnostics) checkRelational(ctx context.Context) {
	db := d.cfg.Database
	if db.Driver == "sqlite" {
		dir := filepath.Dir(db.DSN)
		if err := os.MkdirAll(dir, 0750); err != nil {
			d.addResult(DiagnosticResult{
				Name:    "relational_storage",
				Status:  StatusError,
				Message: fmt.Sprintf("Cannot create database directory: %s", err),
				Details: map[string]string{"path": dir},
			})
			return
		}
		d.addResult(DiagnosticResult{
			Name:    "relational_storage",
			Status:  StatusOK,
			Message: "SQLite database directory is ready",
			Details: map[string]string{"path": dir},
		})
		return
	}
	d.checkReachable(ctx, "relational_connectivity", PostgresAddr(db.DSN), StatusError)
}

func (d *Diagnostics) checkReachable(ctx context.Context, name, addr string, failure Status) {
	if addr == "" {
		d.addResult(DiagnosticResult{
			Name:    name,
			Status:  failure,
			Message: "No address configured",
		})
		return
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := d.dial(dialCtx, "tcp", addr)
	if err != nil {
		d.addResult(DiagnosticResult{
			Name:    name,
			Status:  failure,
			Message: fmt.Sprintf("Cannot connect: %s", err),
			Details: map[string]string{"host": addr},
		})
		return
	}
	conn.Close()
	d.addResult(DiagnosticResult{
		Name:    name,
		Status:  StatusOK,
		Message: "Reachable",
		Details: map[string]string{"host": addr},
	})
}

func (d *Diagnostics) printSummary() {
	var ok, warnings, errors, skipped int
	for _, r := range d.results {
		switch r.Status {
		case StatusOK:
			ok++
		case StatusWarning:
			warnings++
		case StatusError:
			errors++
		case StatusSkipped:
			skipped++
		}
	}

	d.logger.Info("=== Diagnostics Summary ===",
		"passed", ok,
		"warnings", warnings,
		"errors", errors,
		"skipped", skipped,
	)

	if errors > 0 {
		d.logger.Error("startup diagnostics found critical errors - service may not function correctly")
	} else if warnings > 0 {
		d.logger.Warn("startup diagnostics found warnings - review for production readiness")
	} else {
		d.logger.Info("all startup diagnostics passed")
	}
}

// HasErrors returns true if any diagnostic check failed
func (d *Diagnostics) HasErrors() bool {
	for _, r := range d.results {
		if r.Status == StatusError {
			return true
		}
	}
	return false
}

// HasWarnings returns true if any diagnostic check has warnings
func (d *Diagnostics) HasWarnings() bool {
	for _, r := range d.results {
		if r.Status == StatusWarning {
			return true
		}
	}
	return false
}

// PostgresAddr extracts host:port from a URL or key=value Postgres DSN.
func PostgresAddr(dsn string) string {
	if strings.Contains(dsn, "://") {
		return hostFromURL(dsn, "5432")
	}

	host, port := "", "5432"
	for _, field := range strings.Fields(dsn) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch key {
		case "host":
			host = value
		case "port":
			port = value
		}
	}
	if host == "" || strings.HasPrefix(host, "/") {
		return ""
	}
	return net.JoinHostPort(host, port)
}

func hostFromURL(raw, defaultPort string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	port := u.Port()
	if port == "" {
		port = defaultPort
	}
	return net.JoinHostPort(u.Hostname(), port)
}

// PrintBanner prints the startup banner
func PrintBanner(service, version string) {
	banner := `
+--------------------------------------------------+
|   ELI pipeline                                   |
|   event ingest / enrichment / image retention    |
+--------------------------------------------------+
`
	fmt.Println(banner)
	fmt.Printf("  Service: %s  Version: %s\n\n", service, version)
}
