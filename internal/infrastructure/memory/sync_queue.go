package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/AgentEnder/sapling/internal/domain/syncqueue"
)

// SyncQueue is an in-process syncqueue.Queue with the same grouping and
// deletion semantics as the durable stores.
type SyncQueue struct {
	mu      sync.RWMutex
	nextID  int64
	entries map[int64]syncqueue.Entry
}

func NewSyncQueue() *SyncQueue {
	return &SyncQueue{entries: make(map[int64]syncqueue.Entry)}
}

func (q *SyncQueue) Add(ctx context.Context, entry syncqueue.Entry) error {
	return q.AddMany(ctx, []syncqueue.Entry{entry})
}

func (q *SyncQueue) AddMany(ctx context.Context, entries []syncqueue.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := syncqueue.ValidateEntries(entries); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range entries {
		q.nextID++
		e.ID = q.nextID
		q.entries[e.ID] = e
	}
	return nil
}

func (q *SyncQueue) Iter(ctx context.Context, params syncqueue.IterParams) ([]syncqueue.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pattern, err := syncqueue.CompileKeyPattern(params.KeyLike)
	if err != nil {
		return nil, err
	}
	if params.Limit <= 0 {
		return nil, nil
	}

	q.mu.RLock()
	defer q.mu.RUnlock()

	oldest := make(map[syncqueue.GroupKey]int64)
	for _, e := range q.entries {
		if e.MultiplexID != params.MultiplexID || e.InsertedAt.After(params.OlderThan) || !pattern.Match(e.BlobKey) {
			continue
		}
		g := syncqueue.GroupOf(e)
		if ts, ok := oldest[g]; !ok || e.UnixNano() < ts {
			oldest[g] = e.UnixNano()
		}
	}

	groups := make([]syncqueue.GroupKey, 0, len(oldest))
	for g := range oldest {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool {
		if oldest[groups[i]] != oldest[groups[j]] {
			return oldest[groups[i]] < oldest[groups[j]]
		}
		return lessGroup(groups[i], groups[j])
	})
	if len(groups) > params.Limit {
		groups = groups[:params.Limit]
	}

	selected := make(map[syncqueue.GroupKey]bool, len(groups))
	for _, g := range groups {
		selected[g] = true
	}

	var out []syncqueue.Entry
	for _, e := range q.entries {
		if e.MultiplexID == params.MultiplexID && selected[syncqueue.GroupOf(e)] {
			out = append(out, e)
		}
	}
	sortByID(out)
	return out, nil
}

func (q *SyncQueue) Del(ctx context.Context, entries []syncqueue.Entry) error {
	ids, err := syncqueue.IDs(entries)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range ids {
		delete(q.entries, id)
	}
	return nil
}

func (q *SyncQueue) Get(ctx context.Context, blobKey string) ([]syncqueue.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	var out []syncqueue.Entry
	for _, e := range q.entries {
		if e.BlobKey == blobKey {
			out = append(out, e)
		}
	}
	sortByID(out)
	return out, nil
}

func (q *SyncQueue) Depth(ctx context.Context, multiplexID syncqueue.MultiplexID) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	var n int64
	for _, e := range q.entries {
		if e.MultiplexID == multiplexID {
			n++
		}
	}
	return n, nil
}

func (q *SyncQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.entries)
}

func sortByID(entries []syncqueue.Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
}

func lessGroup(a, b syncqueue.GroupKey) bool {
	for i := range a.CorrelationKey {
		if a.CorrelationKey[i] != b.CorrelationKey[i] {
			return a.CorrelationKey[i] < b.CorrelationKey[i]
		}
	}
	return a.SoloID < b.SoloID
}
