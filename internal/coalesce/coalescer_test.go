package coalesce

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AgentEnder/sapling/internal/domain/syncqueue"
)

type recordingSink struct {
	mu      sync.Mutex
	batches [][]int
	calls   atomic.Int32
	active  atomic.Int32
	overlap atomic.Bool
	fail    func(items []int) error
	gate    chan struct{}
}

func (s *recordingSink) flush(ctx context.Context, items []int) error {
	if s.active.Add(1) > 1 {
		s.overlap.Store(true)
	}
	defer s.active.Add(-1)
	s.calls.Add(1)

	if s.gate != nil {
		<-s.gate
	}

	s.mu.Lock()
	s.batches = append(s.batches, append([]int(nil), items...))
	s.mu.Unlock()

	if s.fail != nil {
		return s.fail(items)
	}
	return nil
}

func (s *recordingSink) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func TestCoalescer_ConcurrentSubmitters(t *testing.T) {
	sink := &recordingSink{}
	c := New(sink.flush, Config{MaxBatch: 64})
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	const producers = 50
	const perProducer = 40

	var wg sync.WaitGroup
	var resolved atomic.Int32
	errs := make(chan error, producers)
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			items := make([]int, perProducer)
			for i := range items {
				items[i] = p*perProducer + i
			}
			err := c.Submit(context.Background(), items)
			resolved.Add(1)
			errs <- err
		}(p)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(producers), resolved.Load())
	assert.Equal(t, producers*perProducer, sink.total())
	assert.False(t, sink.overlap.Load(), "flush must never run concurrently")

	sink.mu.Lock()
	defer sink.mu.Unlock()
	seen := make(map[int]bool)
	for _, b := range sink.batches {
		assert.LessOrEqual(t, len(b), 64)
		for _, item := range b {
			assert.False(t, seen[item], "item %d flushed twice", item)
			seen[item] = true
		}
	}
}

func TestCoalescer_BatchesAreBounded(t *testing.T) {
	sink := &recordingSink{}
	c := New(sink.flush, Config{MaxBatch: 10})
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	items := make([]int, 35)
	for i := range items {
		items[i] = i
	}
	require.NoError(t, c.Submit(context.Background(), items))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.batches, 4)
	assert.Len(t, sink.batches[3], 5)

	var flat []int
	for _, b := range sink.batches {
		flat = append(flat, b...)
	}
	assert.Equal(t, items, flat, "one submission keeps its order")
}

func TestCoalescer_ChunkFailureReachesEveryCoBatchedCaller(t *testing.T) {
	boom := errors.New("duplicate key")
	gate := make(chan struct{})
	sink := &recordingSink{
		gate: gate,
		fail: func(items []int) error {
			for _, it := range items {
				if it == 13 {
					return syncqueue.Durable("insert", boom)
				}
			}
			return nil
		},
	}
	c := New(sink.flush, Config{MaxBatch: 100})
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	// Hold the first flush so the next two submissions land in one chunk.
	firstDone := make(chan error, 1)
	go func() { firstDone <- c.Submit(context.Background(), []int{1}) }()
	require.Eventually(t, func() bool { return sink.calls.Load() == 1 }, time.Second, time.Millisecond)

	results := make(chan error, 2)
	go func() { results <- c.Submit(context.Background(), []int{13}) }()
	go func() { results <- c.Submit(context.Background(), []int{7, 8}) }()
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.pending) == 3
	}, time.Second, time.Millisecond)

	close(gate)
	require.NoError(t, <-firstDone)

	for i := 0; i < 2; i++ {
		err := <-results
		require.Error(t, err)
		assert.ErrorIs(t, err, boom)
		assert.ErrorIs(t, err, syncqueue.ErrDurable)
	}
}

func TestCoalescer_StartsOneAggregator(t *testing.T) {
	sink := &recordingSink{}
	c := New(sink.flush, Config{})
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			assert.NoError(t, c.Submit(context.Background(), []int{i}))
		}(i)
	}
	close(start)
	wg.Wait()

	assert.False(t, sink.overlap.Load())
	assert.Equal(t, 32, sink.total())
}

func TestCoalescer_AbandonedWaitStillPersists(t *testing.T) {
	gate := make(chan struct{})
	sink := &recordingSink{gate: gate}
	c := New(sink.flush, Config{})
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	ctx, cancel := context.WithCancel(context.Background())
	abandoned := make(chan error, 1)
	go func() { abandoned <- c.Submit(ctx, []int{1, 2, 3}) }()
	require.Eventually(t, func() bool { return sink.calls.Load() == 1 }, time.Second, time.Millisecond)

	other := make(chan error, 1)
	go func() { other <- c.Submit(context.Background(), []int{4}) }()

	cancel()
	assert.ErrorIs(t, <-abandoned, context.Canceled)

	close(gate)
	require.NoError(t, <-other)
	assert.Equal(t, 4, sink.total())
}

func TestCoalescer_PanicInFlushIsReported(t *testing.T) {
	c := New(func(ctx context.Context, items []int) error {
		panic("driver bug")
	}, Config{})
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	err := c.Submit(context.Background(), []int{1})
	require.Error(t, err)
	assert.ErrorIs(t, err, syncqueue.ErrDurable)

	// The aggregator survives.
	err = c.Submit(context.Background(), []int{2})
	assert.ErrorIs(t, err, syncqueue.ErrDurable)
}

func TestCoalescer_CloseFlushesAndRejects(t *testing.T) {
	gate := make(chan struct{})
	sink := &recordingSink{gate: gate}
	c := New(sink.flush, Config{MaxBatch: 2})

	submitted := make(chan error, 1)
	go func() { submitted <- c.Submit(context.Background(), []int{1, 2, 3, 4, 5}) }()
	require.Eventually(t, func() bool { return sink.calls.Load() == 1 }, time.Second, time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- c.Close(context.Background()) }()
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.closed
	}, time.Second, time.Millisecond)

	close(gate)
	require.NoError(t, <-submitted)
	require.NoError(t, <-closed)
	assert.Equal(t, 5, sink.total())

	err := c.Submit(context.Background(), []int{6})
	assert.ErrorIs(t, err, syncqueue.ErrAggregatorUnavailable)
	assert.ErrorIs(t, err, syncqueue.ErrDurable)
	assert.NoError(t, c.Close(context.Background()))
}

func TestCoalescer_CloseWithoutUse(t *testing.T) {
	c := New(func(ctx context.Context, items []int) error { return nil }, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, c.Close(ctx))
}

func TestCoalescer_EmptySubmit(t *testing.T) {
	var calls atomic.Int32
	c := New(func(ctx context.Context, items []int) error {
		calls.Add(1)
		return nil
	}, Config{})
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	require.NoError(t, c.Submit(context.Background(), nil))
	assert.Zero(t, calls.Load())
}
