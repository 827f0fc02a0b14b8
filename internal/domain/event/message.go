package event

import (
	"encoding/json"
	"time"

	"github.com/AgentEnder/sapling/internal/domain/syncqueue"
)

const (
	TypeEntriesEnqueued = "EntriesEnqueued"
	TypeWriteLagged     = "WriteLagged"
)

// Message is the envelope published to Kafka.
// Payload is kept as raw JSON produced by the originating service.
type Message struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlation_id"`
	Producer      string          `json:"producer"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Payload       json.RawMessage `json:"payload"`
}

// EntriesEnqueued announces one logical write that now has healing work.
type EntriesEnqueued struct {
	MultiplexID    syncqueue.MultiplexID    `json:"multiplex_id"`
	CorrelationKey syncqueue.CorrelationKey `json:"correlation_key"`
	Entries        []EnqueuedEntry          `json:"entries"`
}

type EnqueuedEntry struct {
	BlobKey   string              `json:"blob_key"`
	BackendID syncqueue.BackendID `json:"backend_id"`
}

// WriteLagged is emitted by a multiplexed blobstore when a put reached
// some backends but not LaggingBackendIDs.
type WriteLagged struct {
	BlobKey           string                    `json:"blob_key"`
	MultiplexID       syncqueue.MultiplexID     `json:"multiplex_id"`
	LaggingBackendIDs []syncqueue.BackendID     `json:"lagging_backend_ids"`
	CorrelationKey    *syncqueue.CorrelationKey `json:"correlation_key,omitempty"`
}
