// Package main is the entry point for the ELI ingest service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"eli-pipeline/internal/config"
	"eli-pipeline/internal/consumer"
	"eli-pipeline/internal/graph"
	"eli-pipeline/internal/ingest"
	"eli-pipeline/internal/jobs"
	"eli-pipeline/internal/kafka"
	"eli-pipeline/internal/logging"
	"eli-pipeline/internal/queue"
	"eli-pipeline/internal/schema"
	"eli-pipeline/internal/sidechannel"
	"eli-pipeline/internal/startup"
	"eli-pipeline/internal/storage"
	"eli-pipeline/internal/storage/relational"
	"eli-pipeline/internal/storage/s3"
)

var version = "dev"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	startup.PrintBanner(startup.ServiceIngest, version)
	ctx, cancel := context.WithCancel(context.Background())

	diag := startup.NewDiagnostics(cfg, startup.ServiceIngest, logger)
	diag.RunAll(ctx)

	slog.Info("configuration loaded",
		"http_port", cfg.Server.HTTPPort,
		"mock_mode", cfg.MockMode,
		"auth_enabled", cfg.Auth.Enabled,
		"database_driver", cfg.Database.Driver,
		"graph_enabled", cfg.Graph.Enabled,
		"archive_enabled", cfg.Archive.Enabled,
		"publisher_backend", cfg.Publisher.Backend,
		"request_log_enabled", cfg.RequestLog.Enabled,
	)

	runner := sidechannel.New(cfg.SideChannel, logger)

	// Dependencies stay nil interfaces in mock mode so the coordinator skips them.
	var (
		eventStore ingest.EventStore
		archiver   ingest.ImageArchiver
		graphOut   graph.Writer
		db         *relational.Store
		graphDB    *graph.Store
		s3Client   *s3.Client
		imageStore *s3.Archiver
	)

	publisher, err := jobs.NewPublisher(ctx, cfg.Publisher, cfg.MockMode, logger)
	if err != nil {
		slog.Warn("job publisher unavailable, jobs will be skipped", "error", err)
		publisher = jobs.NewNoop(jobs.ReasonPublishFailed)
	}

	if !cfg.MockMode {
		db, err = relational.Open(ctx, cfg.Database)
		if err != nil {
			slog.Error("failed to open relational store", "driver", cfg.Database.Driver, "error", err)
			os.Exit(1)
		}
		eventStore = db

		if cfg.Graph.Enabled {
			graphDB, err = graph.Open(ctx, cfg.Graph, logger)
			if err != nil {
				slog.Warn("graph store unavailable, projections disabled", "uri", cfg.Graph.URI, "error", err)
			} else {
				graphOut = graphDB
			}
		}

		if cfg.Archive.Enabled {
			s3Client, err = s3.NewClient(ctx, cfg.Archive, logger)
			if err != nil {
				slog.Error("failed to create s3 client", "error", err)
				os.Exit(1)
			}
		}
		imageStore = s3.NewArchiver(s3Client, cfg.Archive, runner, logger)
		archiver = imageStore
	}

	coordinator := ingest.NewCoordinator(eventStore, archiver, graphOut, publisher, runner, logger)
	handler := ingest.NewHandler(schema.NewNormalizer(nil), coordinator).
		WithMaxPayload(cfg.Ingest.MaxPayloadSize).
		WithMaxBatch(cfg.Ingest.MaxBatchSize)

	if db != nil {
		handler.WithHealthCheck("relational", true, db.Ping)
	}
	if graphDB != nil {
		handler.WithHealthCheck("graph", false, graphDB.Ping)
	}
	if s3Client != nil {
		handler.WithHealthCheck("archive", false, func(ctx context.Context) error {
			if st := s3Client.HealthCheck(ctx); !st.Healthy {
				return errors.New(st.Error)
			}
			return nil
		})
	}

	if !cfg.MockMode && publisher.Backend() == jobs.BackendKafka {
		if kadmin, err := kafka.NewAdmin(cfg.Publisher.Kafka, logger); err == nil {
			handler.WithHealthCheck("job_queue", false, kadmin.Ping)
		}
	}

	var admin *ingest.AdminHandler
	if imageStore.Enabled() {
		admin = ingest.NewAdminHandler(imageStore, cfg.Admin.MaxPurgeTime, logger)
	}

	// Request log pipeline: queue -> consumer -> batch writer -> ClickHouse
	var (
		requestLog    *ingest.RequestLog
		chClient      *storage.RequestLogDB
		batchWriter   *storage.BatchWriter
		queueConsumer *consumer.Consumer
	)

	if cfg.RequestLog.Enabled {
		slog.Info("initializing webhook request log",
			"hosts", cfg.RequestLog.ClickHouse.Hosts,
			"database", cfg.RequestLog.ClickHouse.Database,
		)

		chClient, err = storage.OpenRequestLog(ctx, cfg.RequestLog.ClickHouse)
		if err != nil {
			slog.Warn("request log disabled, ClickHouse unavailable", "error", err)
		} else {
			migrator := storage.NewMigrator(chClient)
			if err := migrator.Run(ctx); err != nil {
				slog.Error("failed to run request log migrations", "error", err)
				os.Exit(1)
			}
			if err := storage.ApplyRequestLogTTL(ctx, chClient, cfg.RequestLog.TTLDays); err != nil {
				slog.Warn("failed to apply request log retention", "error", err)
			}

			requestLog = queue.NewRingBuffer[*storage.WebhookRequest](cfg.RequestLog.QueueSize)
			batchWriter = storage.NewBatchWriter(chClient, cfg.RequestLog.BatchWriter)
			queueConsumer = consumer.New(requestLog, batchWriter, cfg.RequestLog.Consumer)
			queueConsumer.Start(ctx)

			handler.WithHealthCheck("request_log", false, chClient.Ping)
		}
	}

	// Setup HTTP routes
	mux := ingest.NewRouter(handler, admin, cfg.Admin)
	wrappedHandler := ingest.WithMiddleware(ctx, mux, cfg, requestLog)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      wrappedHandler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		slog.Info("starting ingest server", "address", server.Addr, "version", version)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new requests
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// Let in-flight graph writes, publishes and retention purges finish
	if err := runner.Wait(shutdownCtx); err != nil {
		slog.Warn("background work still running at shutdown", "error", err)
	}

	cancel()

	if queueConsumer != nil {
		queueConsumer.Stop()
	}
	if batchWriter != nil {
		if err := batchWriter.Close(); err != nil {
			slog.Error("batch writer close error", "error", err)
		}
	}
	if chClient != nil {
		if err := chClient.Close(); err != nil {
			slog.Error("clickhouse close error", "error", err)
		}
	}
	if requestLog != nil {
		requestLog.Close()
	}

	if err := publisher.Close(); err != nil {
		slog.Error("publisher close error", "error", err)
	}
	if graphDB != nil {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := graphDB.Close(closeCtx); err != nil {
			slog.Error("graph close error", "error", err)
		}
		closeCancel()
	}
	if db != nil {
		if err := db.Close(); err != nil {
			slog.Error("relational close error", "error", err)
		}
	}

	// Log final metrics
	allowed, limited := ingest.GetRateLimitStats()
	slog.Info("shutdown complete", "requests_allowed", allowed, "requests_limited", limited)

	if requestLog != nil {
		queueMetrics := requestLog.Metrics()
		slog.Info("request log metrics",
			"records_pushed", queueMetrics.Pushed,
			"records_popped", queueMetrics.Popped,
			"records_dropped", queueMetrics.Dropped,
		)
	}
	if batchWriter != nil {
		bwMetrics := batchWriter.Metrics()
		slog.Info("storage metrics",
			"records_written", bwMetrics.Written,
			"records_failed", bwMetrics.Failed,
			"batches", bwMetrics.Batches,
		)
	}
}
