package syncqueue

import (
	"context"
	"time"
)

// IterParams selects due entries for one multiplex.
type IterParams struct {
	// KeyLike is an SQL LIKE pattern over BlobKey. Empty disables the filter.
	KeyLike     string
	MultiplexID MultiplexID
	OlderThan   time.Time
	// Limit bounds the number of correlation groups, not rows.
	Limit int
}

// Queue is the contract the healer consumes. Implementations must be safe
// for concurrent use.
type Queue interface {
	Add(ctx context.Context, entry Entry) error
	AddMany(ctx context.Context, entries []Entry) error

	// Iter returns up to Limit groups of entries that are due for healing.
	// Every entry sharing a selected non-nil correlation key within the
	// multiplex is returned, whatever its own timestamp, so a logical write
	// is always repaired as a whole. Entries with NilCorrelationKey are
	// groups of one.
	Iter(ctx context.Context, params IterParams) ([]Entry, error)

	// Del removes persisted entries by ID. Unknown IDs are ignored.
	Del(ctx context.Context, entries []Entry) error

	// Get returns every entry ever recorded for blobKey, ordered by ID.
	Get(ctx context.Context, blobKey string) ([]Entry, error)
}

// Inspector is implemented by stores that can report queue depth cheaply.
type Inspector interface {
	Depth(ctx context.Context, multiplexID MultiplexID) (int64, error)
}

// GroupKey identifies one Iter group: a correlation key, or for entries
// without one, the entry itself.
type GroupKey struct {
	CorrelationKey CorrelationKey
	SoloID         int64
}

func GroupOf(e Entry) GroupKey {
	if e.CorrelationKey.IsNil() {
		return GroupKey{SoloID: e.ID}
	}
	return GroupKey{CorrelationKey: e.CorrelationKey}
}
