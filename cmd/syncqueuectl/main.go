package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/AgentEnder/sapling/internal/application/factories/infrastructure"
	"github.com/AgentEnder/sapling/internal/cmd/ctl"
	"github.com/AgentEnder/sapling/internal/config"
	"github.com/AgentEnder/sapling/internal/domain/syncqueue"
	"github.com/AgentEnder/sapling/internal/infrastructure/postgres"
)

func main() {
	cfg, err := config.New()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}

	// Logs go to stderr so stdout stays JSON lines.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Log.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	infraFactory := infrastructure.NewFactory(cfg)

	root := ctl.NewRoot(ctl.Deps{
		Queue: func(ctx context.Context) (syncqueue.Queue, error) {
			return infraFactory.Store(ctx)
		},
		Schema: func(ctx context.Context) error {
			conns, err := infraFactory.Postgres(ctx)
			if err != nil {
				return err
			}
			return postgres.EnsureSchema(ctx, conns.Write, cfg.Queue.Table)
		},
	})

	err = root.ExecuteContext(ctx)
	infraFactory.Close(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
