// Package stats counts sync queue traffic with Prometheus.
package stats

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AgentEnder/sapling/internal/domain/syncqueue"
)

var (
	entriesAdded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blobstore_sync_queue_adds_total",
		Help: "The total number of entries durably added to the sync queue",
	})
	itersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blobstore_sync_queue_iters_total",
		Help: "The total number of grouped range scans",
	})
	entriesDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blobstore_sync_queue_dels_total",
		Help: "The total number of entries passed to successful deletes",
	})
	opErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blobstore_sync_queue_errors_total",
		Help: "Failed sync queue operations by operation",
	}, []string{"op"})
)

// Queue decorates a syncqueue.Queue with counters.
type Queue struct {
	next syncqueue.Queue
}

func Wrap(next syncqueue.Queue) *Queue {
	return &Queue{next: next}
}

func (q *Queue) Add(ctx context.Context, entry syncqueue.Entry) error {
	return q.AddMany(ctx, []syncqueue.Entry{entry})
}

func (q *Queue) AddMany(ctx context.Context, entries []syncqueue.Entry) error {
	if err := q.next.AddMany(ctx, entries); err != nil {
		opErrors.WithLabelValues("add").Inc()
		return err
	}
	entriesAdded.Add(float64(len(entries)))
	return nil
}

func (q *Queue) Iter(ctx context.Context, params syncqueue.IterParams) ([]syncqueue.Entry, error) {
	itersTotal.Inc()
	entries, err := q.next.Iter(ctx, params)
	if err != nil {
		opErrors.WithLabelValues("iter").Inc()
	}
	return entries, err
}

func (q *Queue) Del(ctx context.Context, entries []syncqueue.Entry) error {
	if err := q.next.Del(ctx, entries); err != nil {
		opErrors.WithLabelValues("del").Inc()
		return err
	}
	entriesDeleted.Add(float64(len(entries)))
	return nil
}

func (q *Queue) Get(ctx context.Context, blobKey string) ([]syncqueue.Entry, error) {
	entries, err := q.next.Get(ctx, blobKey)
	if err != nil {
		opErrors.WithLabelValues("get").Inc()
	}
	return entries, err
}

func (q *Queue) Depth(ctx context.Context, multiplexID syncqueue.MultiplexID) (int64, error) {
	inspector, ok := q.next.(syncqueue.Inspector)
	if !ok {
		return 0, syncqueue.ErrUnsupported
	}
	return inspector.Depth(ctx, multiplexID)
}
