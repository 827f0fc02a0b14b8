package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 10 * time.Second
)

type MessageSource interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Runner feeds messages from a consumer group into a Handler. An offset is
// committed only once its message is in the queue, so a crash replays it.
type Runner struct {
	source  MessageSource
	handler *Handler
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewRunner(source MessageSource, handler *Handler, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{source: source, handler: handler, logger: logger, sleep: sleepCtx}
}

// Run blocks until ctx is done. It returns nil on cancellation and the
// source's error for anything else.
func (r *Runner) Run(ctx context.Context) error {
	for {
		msg, err := r.source.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := r.process(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := r.source.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Error("failed to commit message", "partition", msg.Partition, "offset", msg.Offset, "error", err)
		}
	}
}

// process retries the handler with capped exponential backoff. Malformed
// messages are dropped at once.
func (r *Runner) process(ctx context.Context, msg kafka.Message) error {
	backoff := initialBackoff
	for {
		err := r.handler.Handle(ctx, msg.Value)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrMalformed) {
			messagesDropped.Inc()
			r.logger.Warn("dropping message", "partition", msg.Partition, "offset", msg.Offset, "error", err)
			return nil
		}

		r.logger.Error("failed to process message, retrying",
			"partition", msg.Partition, "offset", msg.Offset, "backoff", backoff, "error", err)
		if err := r.sleep(ctx, backoff); err != nil {
			return err
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
