package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/AgentEnder/sapling/internal/domain/syncqueue"
)

const defaultIterLimit = 100

type Handlers struct {
	queue  syncqueue.Queue
	logger *slog.Logger
	now    func() time.Time
}

func NewHandlers(queue syncqueue.Queue, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{queue: queue, logger: logger, now: time.Now}
}

type entryRequest struct {
	BlobKey        string                    `json:"blob_key"`
	BackendID      syncqueue.BackendID       `json:"backend_id"`
	MultiplexID    syncqueue.MultiplexID     `json:"multiplex_id"`
	CorrelationKey *syncqueue.CorrelationKey `json:"correlation_key,omitempty"`
	InsertedAt     *time.Time                `json:"inserted_at,omitempty"`
}

type entriesResponse struct {
	Entries []syncqueue.Entry `json:"entries"`
}

// AddEntries records one logical write. Entries without a correlation key
// share a key generated for the request.
func (h *Handlers) AddEntries(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Entries []entryRequest `json:"entries"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Entries) == 0 {
		h.writeError(w, &syncqueue.ValidationError{Field: "entries", Reason: "must not be empty"})
		return
	}

	now := h.now()
	shared := syncqueue.NewCorrelationKey()
	usedShared := false
	entries := make([]syncqueue.Entry, 0, len(req.Entries))
	for i, e := range req.Entries {
		if e.BlobKey == "" {
			h.writeError(w, &syncqueue.ValidationError{Field: "entries[" + strconv.Itoa(i) + "].blob_key", Reason: "is required"})
			return
		}
		key := shared
		if e.CorrelationKey != nil {
			key = *e.CorrelationKey
		} else {
			usedShared = true
		}
		at := now
		if e.InsertedAt != nil {
			at = *e.InsertedAt
		}
		entries = append(entries, syncqueue.NewEntry(e.BlobKey, e.BackendID, e.MultiplexID, at, key))
	}

	if err := h.queue.AddMany(r.Context(), entries); err != nil {
		h.writeError(w, err)
		return
	}

	resp := map[string]any{"status": "CREATED", "count": len(entries)}
	if usedShared {
		resp["correlation_key"] = shared
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handlers) IterEntries(w http.ResponseWriter, r *http.Request) {
	multiplexID, err := multiplexParam(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	query := r.URL.Query()
	params := syncqueue.IterParams{
		KeyLike:     query.Get("key_like"),
		MultiplexID: multiplexID,
		OlderThan:   h.now(),
		Limit:       defaultIterLimit,
	}
	if raw := query.Get("older_than"); raw != "" {
		params.OlderThan, err = time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			h.writeError(w, &syncqueue.ValidationError{Field: "older_than", Reason: "must be an RFC 3339 timestamp"})
			return
		}
	}
	if raw := query.Get("limit"); raw != "" {
		params.Limit, err = strconv.Atoi(raw)
		if err != nil {
			h.writeError(w, &syncqueue.ValidationError{Field: "limit", Reason: "must be an integer"})
			return
		}
	}

	entries, err := h.queue.Iter(r.Context(), params)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entriesResponse{Entries: nonNil(entries)})
}

func (h *Handlers) GetEntries(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		h.writeError(w, &syncqueue.ValidationError{Field: "key", Reason: "is required"})
		return
	}

	entries, err := h.queue.Get(r.Context(), key)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entriesResponse{Entries: nonNil(entries)})
}

func (h *Handlers) DeleteEntries(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []int64 `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	entries := make([]syncqueue.Entry, len(req.IDs))
	for i, id := range req.IDs {
		entries[i].ID = id
	}
	if err := h.queue.Del(r.Context(), entries); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "DELETED", "count": len(entries)})
}

func (h *Handlers) Depth(w http.ResponseWriter, r *http.Request) {
	multiplexID, err := multiplexParam(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	inspector, ok := h.queue.(syncqueue.Inspector)
	if !ok {
		h.writeError(w, syncqueue.ErrUnsupported)
		return
	}
	depth, err := inspector.Depth(r.Context(), multiplexID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"multiplex_id": multiplexID, "depth": depth})
}

func multiplexParam(r *http.Request) (syncqueue.MultiplexID, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "multiplexID"), 10, 64)
	if err != nil {
		return 0, &syncqueue.ValidationError{Field: "multiplexID", Reason: "must be an integer"}
	}
	return syncqueue.MultiplexID(id), nil
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, syncqueue.ErrValidation):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, syncqueue.ErrUnsupported):
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": err.Error()})
	default:
		h.logger.Error("sync queue request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func nonNil(entries []syncqueue.Entry) []syncqueue.Entry {
	if entries == nil {
		return []syncqueue.Entry{}
	}
	return entries
}
