// Package notify tells healers about new sync queue work over Kafka so they
// do not have to poll Iter on a timer.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"

	"github.com/AgentEnder/sapling/internal/domain/event"
	"github.com/AgentEnder/sapling/internal/domain/syncqueue"
)

var (
	eventsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blobstore_sync_queue_notify_events_published_total",
		Help: "The total number of EntriesEnqueued events published to Kafka",
	})
	publishErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blobstore_sync_queue_notify_errors_total",
		Help: "The total number of failed notification batches",
	})
)

const defaultPublishTimeout = 5 * time.Second

type Publisher interface {
	SendMessages(ctx context.Context, msgs []kafka.Message) error
}

type Options struct {
	Producer       string
	PublishTimeout time.Duration
	Logger         *slog.Logger
}

// Queue publishes one EntriesEnqueued event per logical write after the
// wrapped queue has made the entries durable. A failed publish is logged and
// counted; the add itself still succeeds.
type Queue struct {
	syncqueue.Queue
	publisher Publisher
	producer  string
	timeout   time.Duration
	logger    *slog.Logger
}

func Wrap(next syncqueue.Queue, publisher Publisher, opts Options) *Queue {
	if opts.Producer == "" {
		opts.Producer = "blobstore-sync-queue"
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = defaultPublishTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Queue{
		Queue:     next,
		publisher: publisher,
		producer:  opts.Producer,
		timeout:   opts.PublishTimeout,
		logger:    opts.Logger,
	}
}

func (q *Queue) Add(ctx context.Context, entry syncqueue.Entry) error {
	return q.AddMany(ctx, []syncqueue.Entry{entry})
}

func (q *Queue) AddMany(ctx context.Context, entries []syncqueue.Entry) error {
	if err := q.Queue.AddMany(ctx, entries); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	msgs, err := q.messages(entries)
	if err != nil {
		publishErrors.Inc()
		q.logger.Error("failed to build enqueue notifications", "error", err)
		return nil
	}

	// The entries are durable already; the caller going away must not
	// cancel the notification.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.timeout)
	defer cancel()
	if err := q.publisher.SendMessages(pubCtx, msgs); err != nil {
		publishErrors.Inc()
		q.logger.Error("failed to publish enqueue notifications", "events", len(msgs), "error", err)
		return nil
	}
	eventsPublished.Add(float64(len(msgs)))
	return nil
}

func (q *Queue) Depth(ctx context.Context, multiplexID syncqueue.MultiplexID) (int64, error) {
	inspector, ok := q.Queue.(syncqueue.Inspector)
	if !ok {
		return 0, syncqueue.ErrUnsupported
	}
	return inspector.Depth(ctx, multiplexID)
}

type groupID struct {
	multiplex syncqueue.MultiplexID
	key       syncqueue.CorrelationKey
	solo      int
}

// messages groups entries by (multiplex, correlation key); every nil-key
// entry becomes its own event. Input order decides event order.
func (q *Queue) messages(entries []syncqueue.Entry) ([]kafka.Message, error) {
	var order []groupID
	groups := make(map[groupID]*event.EntriesEnqueued)
	for i, e := range entries {
		id := groupID{multiplex: e.MultiplexID, key: e.CorrelationKey}
		if e.CorrelationKey.IsNil() {
			id.solo = i + 1
		}
		g, ok := groups[id]
		if !ok {
			g = &event.EntriesEnqueued{MultiplexID: e.MultiplexID, CorrelationKey: e.CorrelationKey}
			groups[id] = g
			order = append(order, id)
		}
		g.Entries = append(g.Entries, event.EnqueuedEntry{BlobKey: e.BlobKey, BackendID: e.BackendID})
	}

	now := time.Now().UTC()
	msgs := make([]kafka.Message, 0, len(order))
	for _, id := range order {
		g := groups[id]
		payload, err := json.Marshal(g)
		if err != nil {
			return nil, fmt.Errorf("marshal enqueue payload: %w", err)
		}
		value, err := json.Marshal(event.Message{
			ID:            uuid.New().String(),
			Type:          event.TypeEntriesEnqueued,
			CorrelationID: g.CorrelationKey.String(),
			Producer:      q.producer,
			OccurredAt:    now,
			Payload:       payload,
		})
		if err != nil {
			return nil, fmt.Errorf("marshal enqueue event: %w", err)
		}

		key := g.CorrelationKey.Bytes()
		if g.CorrelationKey.IsNil() {
			key = []byte(g.Entries[0].BlobKey)
		}
		msgs = append(msgs, kafka.Message{Key: key, Value: value})
	}
	return msgs, nil
}
