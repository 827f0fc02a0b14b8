package syncqueue

import (
	"math"
	"strconv"
	"time"
)

// BackendID identifies one physical blobstore inside a multiplex.
type BackendID int64

// MultiplexID identifies a logical multiplexed blobstore.
type MultiplexID int64

// Entry records that BackendID is missing BlobKey after a multiplexed write.
// ID is zero until a store persists the entry.
type Entry struct {
	ID             int64          `json:"id,omitempty"`
	BlobKey        string         `json:"blob_key"`
	BackendID      BackendID      `json:"backend_id"`
	MultiplexID    MultiplexID    `json:"multiplex_id"`
	InsertedAt     time.Time      `json:"inserted_at"`
	CorrelationKey CorrelationKey `json:"correlation_key"`
}

func NewEntry(blobKey string, backendID BackendID, multiplexID MultiplexID, insertedAt time.Time, key CorrelationKey) Entry {
	return Entry{
		BlobKey:        blobKey,
		BackendID:      backendID,
		MultiplexID:    multiplexID,
		InsertedAt:     insertedAt,
		CorrelationKey: key,
	}
}

// Persisted reports whether a store has assigned the entry an ID.
func (e Entry) Persisted() bool {
	return e.ID > 0
}

// SameRecord compares every field except ID, using time.Time.Equal for
// the timestamp.
func (e Entry) SameRecord(other Entry) bool {
	return e.BlobKey == other.BlobKey &&
		e.BackendID == other.BackendID &&
		e.MultiplexID == other.MultiplexID &&
		e.InsertedAt.Equal(other.InsertedAt) &&
		e.CorrelationKey == other.CorrelationKey
}

// UnixNano is the persisted form of InsertedAt.
func (e Entry) UnixNano() int64 {
	return e.InsertedAt.UnixNano()
}

// Representable reports whether t survives the int64 nanosecond encoding,
// roughly years 1678 to 2262. The zero time.Time does not.
func Representable(t time.Time) bool {
	return time.Unix(0, t.UnixNano()).Equal(t)
}

// ValidateEntries rejects entries whose timestamp cannot be persisted
// exactly. Stores call it before writing anything.
func ValidateEntries(entries []Entry) error {
	for i, e := range entries {
		if !Representable(e.InsertedAt) {
			return &ValidationError{
				Field:  "inserted_at",
				Reason: "entry " + strconv.Itoa(i) + " (" + e.BlobKey + ") has timestamp " + e.InsertedAt.String() + " outside the storable range",
			}
		}
	}
	return nil
}

// CutoffUnixNano encodes an Iter cutoff. Cutoffs outside the storable range
// clamp to the int64 bounds, which order the same way against every stored
// timestamp.
func CutoffUnixNano(t time.Time) int64 {
	if Representable(t) {
		return t.UnixNano()
	}
	if t.Before(time.Unix(0, 0)) {
		return math.MinInt64
	}
	return math.MaxInt64
}

// TimeFromUnixNano restores a persisted timestamp.
func TimeFromUnixNano(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

// IDs returns the IDs of entries, failing with ErrValidation on the first
// entry that has not been persisted.
func IDs(entries []Entry) ([]int64, error) {
	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		if !e.Persisted() {
			return nil, &ValidationError{Field: "id", Reason: "entry " + e.BlobKey + " must carry an id to be deleted"}
		}
		ids = append(ids, e.ID)
	}
	return ids, nil
}

// Chunk splits ids into slices of at most size elements.
func Chunk(ids []int64, size int) [][]int64 {
	if size <= 0 {
		size = len(ids)
	}
	var chunks [][]int64
	for len(ids) > 0 {
		n := min(size, len(ids))
		chunks = append(chunks, ids[:n])
		ids = ids[n:]
	}
	return chunks
}
