package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AgentEnder/sapling/internal/application/factories/infrastructure"
	"github.com/AgentEnder/sapling/internal/config"
	"github.com/AgentEnder/sapling/internal/ingest"
)

func main() {
	cfg, err := config.New()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Initialize structured JSON logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Log.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Metrics Server
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: ":" + cfg.Metrics.Port, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Info("Ingest metrics listening", "port", cfg.Metrics.Port)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics listen failed", "error", err)
		}
	}()

	infraFactory := infrastructure.NewFactory(cfg)
	// os.Exit skips defers, so every exit path after this point calls
	// closeInfra itself.
	closeInfra := func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), cfg.Queue.FlushTimeout)
		defer closeCancel()
		infraFactory.Close(closeCtx)
	}
	defer closeInfra()

	queue, err := infraFactory.Queue(ctx)
	if err != nil {
		logger.Error("failed to init sync queue", "backend", cfg.Queue.Backend, "error", err)
		closeInfra()
		os.Exit(1)
	}

	consumer := infraFactory.Consumer()
	defer consumer.Close()

	logger.Info("ingest started", "topic", cfg.Kafka.IngestTopic, "group_id", cfg.Kafka.GroupID)
	runner := ingest.NewRunner(consumer, ingest.NewHandler(queue, logger), logger)
	if err := runner.Run(ctx); err != nil {
		logger.Error("ingest stopped with error", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = metricsSrv.Shutdown(shutdownCtx)

	logger.Info("ingest exited")
}
