// Package ingest turns WriteLagged events from the multiplexed blobstore into
// sync queue entries.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AgentEnder/sapling/internal/domain/event"
	"github.com/AgentEnder/sapling/internal/domain/syncqueue"
)

var (
	messagesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blobstore_sync_queue_ingest_messages_total",
		Help: "The total number of write-lag messages turned into queue entries",
	})
	messagesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blobstore_sync_queue_ingest_dropped_total",
		Help: "The total number of malformed messages skipped",
	})
	entriesEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blobstore_sync_queue_ingest_entries_total",
		Help: "The total number of queue entries created from write-lag messages",
	})
)

// ErrMalformed marks a message that can never be processed. The runner
// commits and skips it.
var ErrMalformed = errors.New("malformed write-lag message")

type Handler struct {
	queue  syncqueue.Queue
	logger *slog.Logger
	now    func() time.Time
}

func NewHandler(queue syncqueue.Queue, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{queue: queue, logger: logger, now: time.Now}
}

// Handle enqueues one entry per lagging backend. All entries of a message
// share its correlation key, or a fresh one if the producer sent none.
// Messages of other types are ignored.
func (h *Handler) Handle(ctx context.Context, value []byte) error {
	var msg event.Message
	if err := json.Unmarshal(value, &msg); err != nil {
		return fmt.Errorf("%w: envelope: %v", ErrMalformed, err)
	}
	if msg.Type != event.TypeWriteLagged {
		h.logger.Debug("skipping message", "type", msg.Type, "id", msg.ID)
		return nil
	}

	var lag event.WriteLagged
	if err := json.Unmarshal(msg.Payload, &lag); err != nil {
		return fmt.Errorf("%w: payload of %s: %v", ErrMalformed, msg.ID, err)
	}
	if lag.BlobKey == "" {
		return fmt.Errorf("%w: %s has no blob key", ErrMalformed, msg.ID)
	}
	if len(lag.LaggingBackendIDs) == 0 {
		return nil
	}

	key := syncqueue.NewCorrelationKey()
	if lag.CorrelationKey != nil && !lag.CorrelationKey.IsNil() {
		key = *lag.CorrelationKey
	}
	insertedAt := msg.OccurredAt
	if insertedAt.IsZero() {
		insertedAt = h.now()
	}

	entries := make([]syncqueue.Entry, 0, len(lag.LaggingBackendIDs))
	for _, backend := range lag.LaggingBackendIDs {
		entries = append(entries, syncqueue.NewEntry(lag.BlobKey, backend, lag.MultiplexID, insertedAt, key))
	}
	if err := h.queue.AddMany(ctx, entries); err != nil {
		if errors.Is(err, syncqueue.ErrValidation) {
			return fmt.Errorf("%w: %s: %v", ErrMalformed, msg.ID, err)
		}
		return fmt.Errorf("enqueue %s: %w", msg.ID, err)
	}

	messagesProcessed.Inc()
	entriesEnqueued.Add(float64(len(entries)))
	h.logger.Info("enqueued lagging writes",
		"blob_key", lag.BlobKey,
		"multiplex_id", lag.MultiplexID,
		"backends", len(entries),
		"correlation_key", key.String(),
	)
	return nil
}
