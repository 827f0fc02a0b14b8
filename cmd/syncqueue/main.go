package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	go_redis "github.com/redis/go-redis/v9"

	"github.com/AgentEnder/sapling/internal/api"
	"github.com/AgentEnder/sapling/internal/application/factories/infrastructure"
	"github.com/AgentEnder/sapling/internal/config"
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

	// Idempotency is best effort; the API works without Redis.
	var redisClient go_redis.Cmdable
	if client, err := infraFactory.Redis(ctx); err != nil {
		logger.Warn("redis unavailable, idempotency keys disabled", "error", err)
	} else {
		redisClient = client
	}

	handlers := api.NewHandlers(queue, logger)
	srv := &http.Server{
		Addr:              ":" + cfg.HTTP.Port,
		Handler:           api.NewRouter(handlers, redisClient, idempotencyTTL(cfg.Queue.FlushTimeout)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Server starting", "port", cfg.HTTP.Port, "backend", cfg.Queue.Backend, "version", cfg.App.Version)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen failed", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	logger.Info("Server exiting")
}

// idempotencyTTL covers an add that waits behind one full chunk and then
// flushes its own.
func idempotencyTTL(flushTimeout time.Duration) time.Duration {
	return 2*flushTimeout + 10*time.Second
}
