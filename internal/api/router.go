package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	ChiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/AgentEnder/sapling/internal/api/middleware"
)

// NewRouter wires the admin API. A nil redisClient disables the
// Idempotency-Key guard on adds; idempotencyTTL is its lock lifetime.
func NewRouter(h *Handlers, redisClient redis.Cmdable, idempotencyTTL time.Duration) http.Handler {
	r := chi.NewRouter()

	r.Use(ChiMiddleware.Logger)
	r.Use(ChiMiddleware.Recoverer)
	r.Use(ChiMiddleware.RequestID)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Route("/v1", func(r chi.Router) {
		if redisClient != nil {
			r.With(middleware.Idempotency(redisClient, idempotencyTTL)).Post("/entries", h.AddEntries)
		} else {
			r.Post("/entries", h.AddEntries)
		}
		r.Get("/entries", h.GetEntries)
		r.Delete("/entries", h.DeleteEntries)
		r.Get("/multiplexes/{multiplexID}/entries", h.IterEntries)
		r.Get("/multiplexes/{multiplexID}/depth", h.Depth)
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
