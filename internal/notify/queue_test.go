package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AgentEnder/sapling/internal/domain/event"
	"github.com/AgentEnder/sapling/internal/domain/syncqueue"
	"github.com/AgentEnder/sapling/internal/domain/syncqueue/syncqueuetest"
	"github.com/AgentEnder/sapling/internal/infrastructure/memory"
)

type fakePublisher struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
	ctxs []context.Context
}

func (p *fakePublisher) SendMessages(ctx context.Context, msgs []kafka.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ctxs = append(p.ctxs, ctx)
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msgs...)
	return nil
}

type failingQueue struct {
	syncqueue.Queue
}

func (failingQueue) AddMany(context.Context, []syncqueue.Entry) error {
	return syncqueue.Durable("copy", errors.New("connection refused"))
}

func TestQueue_Conformance(t *testing.T) {
	syncqueuetest.Run(t, func(t *testing.T) syncqueue.Queue {
		return Wrap(memory.NewSyncQueue(), &fakePublisher{}, Options{})
	})
}

func TestQueue_PublishesOneEventPerGroup(t *testing.T) {
	pub := &fakePublisher{}
	q := Wrap(memory.NewSyncQueue(), pub, Options{Producer: "test"})
	ctx := context.Background()

	op := syncqueue.NewCorrelationKey()
	require.NoError(t, q.AddMany(ctx, []syncqueue.Entry{
		syncqueue.NewEntry("a", 1, 7, syncqueuetest.At(1), op),
		syncqueue.NewEntry("a", 2, 7, syncqueuetest.At(1), op),
		syncqueue.NewEntry("b", 1, 7, syncqueuetest.At(2), syncqueue.NilCorrelationKey),
		syncqueue.NewEntry("c", 1, 7, syncqueuetest.At(3), syncqueue.NilCorrelationKey),
	}))

	require.Len(t, pub.msgs, 3)
	assert.Equal(t, op.Bytes(), pub.msgs[0].Key)
	assert.Equal(t, []byte("b"), pub.msgs[1].Key)
	assert.Equal(t, []byte("c"), pub.msgs[2].Key)

	var msg event.Message
	require.NoError(t, json.Unmarshal(pub.msgs[0].Value, &msg))
	assert.Equal(t, event.TypeEntriesEnqueued, msg.Type)
	assert.Equal(t, "test", msg.Producer)
	assert.Equal(t, op.String(), msg.CorrelationID)
	assert.NotEmpty(t, msg.ID)

	var payload event.EntriesEnqueued
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, syncqueue.MultiplexID(7), payload.MultiplexID)
	assert.Equal(t, op, payload.CorrelationKey)
	assert.Equal(t, []event.EnqueuedEntry{{BlobKey: "a", BackendID: 1}, {BlobKey: "a", BackendID: 2}}, payload.Entries)
}

func TestQueue_PublishFailureDoesNotFailAdd(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	inner := memory.NewSyncQueue()
	q := Wrap(inner, pub, Options{})
	ctx := context.Background()

	before := testutil.ToFloat64(publishErrors)
	require.NoError(t, q.Add(ctx, syncqueue.NewEntry("k", 1, 1, syncqueuetest.At(1), syncqueue.NewCorrelationKey())))
	assert.Equal(t, before+1, testutil.ToFloat64(publishErrors))

	got, err := q.Get(ctx, "k")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestQueue_StoreFailureSkipsPublish(t *testing.T) {
	pub := &fakePublisher{}
	q := Wrap(failingQueue{Queue: memory.NewSyncQueue()}, pub, Options{})

	err := q.Add(context.Background(), syncqueue.NewEntry("k", 1, 1, syncqueuetest.At(1), syncqueue.NewCorrelationKey()))
	assert.ErrorIs(t, err, syncqueue.ErrDurable)
	assert.Empty(t, pub.ctxs)
}

func TestQueue_PublishOutlivesCallerCancel(t *testing.T) {
	pub := &fakePublisher{}
	q := Wrap(memory.NewSyncQueue(), pub, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, q.Add(ctx, syncqueue.NewEntry("k", 1, 1, syncqueuetest.At(1), syncqueue.NewCorrelationKey())))
	cancel()

	require.Len(t, pub.ctxs, 1)
	_, hasDeadline := pub.ctxs[0].Deadline()
	assert.True(t, hasDeadline)
	assert.NoError(t, pub.ctxs[0].Err())
}

func TestQueue_EmptyAddPublishesNothing(t *testing.T) {
	pub := &fakePublisher{}
	q := Wrap(memory.NewSyncQueue(), pub, Options{})

	require.NoError(t, q.AddMany(context.Background(), nil))
	assert.Empty(t, pub.ctxs)
}

func TestQueue_Depth(t *testing.T) {
	q := Wrap(memory.NewSyncQueue(), &fakePublisher{}, Options{})
	ctx := context.Background()
	require.NoError(t, q.Add(ctx, syncqueue.NewEntry("k", 1, 3, syncqueuetest.At(1), syncqueue.NewCorrelationKey())))

	n, err := q.Depth(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = Wrap(failingQueue{}, &fakePublisher{}, Options{}).Depth(ctx, 3)
	assert.ErrorIs(t, err, syncqueue.ErrUnsupported)
}
