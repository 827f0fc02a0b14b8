// Package coalesce batches concurrently submitted items into few flush calls
// while still handing every submitter the outcome of its own items.
//
// A Coalescer owns a single background goroutine, started on first use,
// which is the only caller of the flush function. Submissions are queued
// without bound; the goroutine drains them in chunks of at most MaxBatch
// items and resolves every item of a chunk with that chunk's result.
package coalesce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AgentEnder/sapling/internal/domain/syncqueue"
)

const (
	DefaultMaxBatch     = 5000
	DefaultFlushTimeout = 30 * time.Second
)

// FlushFunc durably writes one chunk. It is never called concurrently.
type FlushFunc[T any] func(ctx context.Context, items []T) error

type Config struct {
	MaxBatch     int
	FlushTimeout time.Duration
	Logger       *slog.Logger
}

type request[T any] struct {
	item  T
	reply chan error
}

type Coalescer[T any] struct {
	flush        FlushFunc[T]
	maxBatch     int
	flushTimeout time.Duration
	logger       *slog.Logger

	startOnce sync.Once
	mu        sync.Mutex
	pending   []request[T]
	closed    bool
	wake      chan struct{}
	done      chan struct{}
}

func New[T any](flush FlushFunc[T], cfg Config) *Coalescer[T] {
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = DefaultMaxBatch
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = DefaultFlushTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Coalescer[T]{
		flush:        flush,
		maxBatch:     cfg.MaxBatch,
		flushTimeout: cfg.FlushTimeout,
		logger:       cfg.Logger,
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// Submit enqueues items and waits until every one of them has been flushed.
// It returns nil only if all chunks carrying the items succeeded.
//
// Cancelling ctx stops the wait, not the write: items already queued are
// flushed regardless.
func (c *Coalescer[T]) Submit(ctx context.Context, items []T) error {
	if len(items) == 0 {
		return nil
	}
	c.startOnce.Do(func() { go c.run() })

	replies := make([]chan error, len(items))
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return syncqueue.ErrAggregatorUnavailable
	}
	for i, item := range items {
		// Buffered so the aggregator never blocks on a caller that left.
		replies[i] = make(chan error, 1)
		c.pending = append(c.pending, request[T]{item: item, reply: replies[i]})
	}
	c.mu.Unlock()
	c.notify()

	var errs []error
	for _, reply := range replies {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-reply:
			if err != nil && !containsErr(errs, err) {
				errs = append(errs, err)
			}
		}
	}
	if len(errs) == 1 {
		return errs[0]
	}
	return errors.Join(errs...)
}

// Close stops accepting submissions, flushes what is already queued and
// waits for the aggregator to exit or ctx to expire.
func (c *Coalescer[T]) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	// Start the loop if nobody has, so done is always closed.
	c.startOnce.Do(func() { go c.run() })
	c.notify()

	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coalescer[T]) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Coalescer[T]) run() {
	defer close(c.done)
	for {
		batch, closed := c.take()
		if len(batch) == 0 {
			if closed {
				return
			}
			<-c.wake
			continue
		}
		c.flushBatch(batch)
	}
}

func (c *Coalescer[T]) take() ([]request[T], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := min(len(c.pending), c.maxBatch)
	if n == 0 {
		c.pending = nil
		return nil, c.closed
	}
	batch := make([]request[T], n)
	copy(batch, c.pending[:n])
	var zero request[T]
	for i := 0; i < n; i++ {
		c.pending[i] = zero
	}
	c.pending = c.pending[n:]
	return batch, c.closed
}

func (c *Coalescer[T]) flushBatch(batch []request[T]) {
	items := make([]T, len(batch))
	for i, r := range batch {
		items[i] = r.item
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.flushTimeout)
	err := c.safeFlush(ctx, items)
	cancel()

	if err != nil {
		c.logger.Error("failed to flush batch", "size", len(items), "error", err)
	}
	for _, r := range batch {
		r.reply <- err
	}
}

func (c *Coalescer[T]) safeFlush(ctx context.Context, items []T) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = syncqueue.Durable("flush batch", fmt.Errorf("panic: %v", p))
		}
	}()
	return c.flush(ctx, items)
}

func containsErr(errs []error, err error) bool {
	for _, e := range errs {
		if errors.Is(e, err) {
			return true
		}
	}
	return false
}
