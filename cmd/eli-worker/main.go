// Package main is the entry point for the ELI enrichment worker.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"eli-pipeline/internal/config"
	"eli-pipeline/internal/enrichment"
	"eli-pipeline/internal/graph"
	"eli-pipeline/internal/jobs"
	"eli-pipeline/internal/kafka"
	"eli-pipeline/internal/logging"
	"eli-pipeline/internal/startup"
	"eli-pipeline/internal/storage/relational"
)

var version = "dev"

func main() {
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

	startup.PrintBanner(startup.ServiceWorker, version)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startup.NewDiagnostics(cfg, startup.ServiceWorker, logger).RunAll(ctx)

	db, err := relational.Open(ctx, cfg.Database)
	if err != nil {
		slog.Error("failed to open relational store", "driver", cfg.Database.Driver, "error", err)
		os.Exit(1)
	}

	var graphOut graph.Writer
	var graphDB *graph.Store
	if cfg.Graph.Enabled {
		graphDB, err = graph.Open(ctx, cfg.Graph, logger)
		if err != nil {
			slog.Warn("graph store unavailable, detection links disabled", "error", err)
		} else {
			graphOut = graphDB
		}
	}

	var detector enrichment.Detector
	if cfg.Worker.Detector.URL != "" {
		detector = enrichment.NewHTTPDetector(cfg.Worker.Detector, logger)
	} else {
		slog.Warn("no detector configured, jobs will record zero detections")
	}

	var generator enrichment.Generator
	if cfg.Insight.LLM.Enabled() {
		generator = enrichment.NewOpenAIGenerator(cfg.Insight.LLM, logger)
	} else {
		slog.Warn("no LLM configured, insights disabled")
	}

	var lease enrichment.Lease
	var redisLease *enrichment.RedisLease
	if cfg.Insight.LeaseEnabled {
		if cfg.Redis.Addr != "" {
			redisLease, err = enrichment.NewRedisLease(ctx, cfg.Redis)
			if err != nil {
				slog.Warn("redis unavailable, using in-process insight lease", "addr", cfg.Redis.Addr, "error", err)
				lease = enrichment.NewMemoryLease()
			} else {
				lease = redisLease
			}
		} else {
			lease = enrichment.NewMemoryLease()
		}
	}

	insights := enrichment.NewInsightGenerator(db, generator, lease, logger)
	worker := enrichment.NewWorker(db, detector, graphOut, insights, logger)
	push := enrichment.NewPushHandler(worker, logger)

	// Queue consumers for the configured backend
	var kafkaGroup *kafka.ConsumerGroup
	var natsConsumer *jobs.NATSConsumer
	switch cfg.Publisher.Backend {
	case jobs.BackendKafka:
		kcfg := cfg.Publisher.Kafka
		if kcfg == nil {
			slog.Error("kafka backend selected without kafka configuration")
			os.Exit(1)
		}
		kafkaGroup, err = kafka.NewConsumerGroup(kcfg, max(kcfg.Consumers, 1), func(ctx context.Context, msg kafka.Message) error {
			return worker.HandleMessage(ctx, msg.Value)
		}, logger)
		if err != nil {
			slog.Error("failed to create kafka consumer group", "error", err)
			os.Exit(1)
		}
		if err := kafkaGroup.Start(); err != nil {
			slog.Error("failed to start kafka consumer group", "error", err)
			os.Exit(1)
		}
	case jobs.BackendNATS:
		// Handlers must finish before the ack deadline triggers redelivery.
		natsConsumer, err = jobs.ConsumeNATS(ctx, cfg.Publisher.NATS, worker.HandleMessage, cfg.Publisher.NATS.AckWait, logger)
		if err != nil {
			slog.Error("failed to start nats consumer", "error", err)
			os.Exit(1)
		}
	default:
		slog.Info("no queue backend, jobs arrive via push only")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /ai/pubsub", push.HandlePush)
	mux.HandleFunc("POST /ai/process", push.HandleProcess)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		status, code := "healthy", http.StatusOK
		if err := db.Ping(r.Context()); err != nil {
			status, code = "unhealthy", http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]any{"status": status})
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Worker.HTTPPort),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		slog.Info("starting worker server", "address", server.Addr, "version", version)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	if kafkaGroup != nil {
		m := kafkaGroup.GetMetrics()
		if err := kafkaGroup.Stop(); err != nil {
			slog.Error("kafka consumer stop error", "error", err)
		}
		slog.Info("kafka consumer metrics",
			"messages_consumed", m.MessagesConsumed,
			"handler_errors", m.HandlerErrors,
			"errors", m.Errors,
		)
	}
	if natsConsumer != nil {
		if err := natsConsumer.Stop(); err != nil {
			slog.Error("nats consumer stop error", "error", err)
		}
	}

	cancel()

	if redisLease != nil {
		redisLease.Close()
	}
	if graphDB != nil {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := graphDB.Close(closeCtx); err != nil {
			slog.Error("graph close error", "error", err)
		}
		closeCancel()
	}
	if err := db.Close(); err != nil {
		slog.Error("relational close error", "error", err)
	}

	slog.Info("shutdown complete")
}
