package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultLockTTL = time.Minute
	responseTTL    = 24 * time.Hour
	redisTimeout   = 3 * time.Second
	processing     = "PROCESSING"
)

type storedResponse struct {
	Status int    `json:"status"`
	Body   []byte `json:"body"`
}

type recorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *recorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

// Idempotency replays the first successful response for a repeated
// Idempotency-Key. Failed attempts release the key so the client can retry.
//
// lockTTL bounds how long a guarded request may run and must exceed the
// slowest add (queue wait plus flush timeout). A request that holds the lock
// keeps running after its client disconnects, so its outcome is still
// recorded. If it runs out of time the outcome is unknown and the lock is
// held for another lockTTL rather than released.
func Idempotency(redisClient redis.Cmdable, lockTTL time.Duration) func(http.Handler) http.Handler {
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Only apply to state-changing methods
			if r.Method != http.MethodPost && r.Method != http.MethodPut && r.Method != http.MethodPatch {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			idemKey := fmt.Sprintf("idempotency:%s", key)
			detached := context.WithoutCancel(r.Context())

			lockCtx, cancel := context.WithTimeout(detached, redisTimeout)
			acquired, err := redisClient.SetNX(lockCtx, idemKey, processing, lockTTL).Result()
			cancel()
			if err != nil {
				// Redis is down; serve without the guard.
				slog.Warn("idempotency check unavailable", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !acquired {
				replay(w, redisClient, r, idemKey)
				return
			}

			runCtx, cancelRun := context.WithTimeout(detached, lockTTL)
			rec := &recorder{ResponseWriter: w}
			next.ServeHTTP(rec, r.WithContext(runCtx))
			timedOut := runCtx.Err() != nil
			cancelRun()

			finishCtx, cancelFinish := context.WithTimeout(detached, redisTimeout)
			defer cancelFinish()

			succeeded := rec.status >= 200 && rec.status < 300
			switch {
			case !succeeded && timedOut:
				slog.Warn("idempotent request outcome unknown, holding key", "key", key, "status", rec.status)
				err = redisClient.Set(finishCtx, idemKey, processing, lockTTL).Err()
			case !succeeded:
				err = redisClient.Del(finishCtx, idemKey).Err()
			default:
				var stored []byte
				stored, err = json.Marshal(storedResponse{Status: rec.status, Body: rec.body.Bytes()})
				if err == nil {
					err = redisClient.Set(finishCtx, idemKey, stored, responseTTL).Err()
				}
			}
			if err != nil {
				slog.Error("failed to update idempotency key", "key", key, "error", err)
			}
		})
	}
}

func replay(w http.ResponseWriter, redisClient redis.Cmdable, r *http.Request, idemKey string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), redisTimeout)
	defer cancel()

	val, err := redisClient.Get(ctx, idemKey).Result()
	if err != nil || val == processing {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error": "concurrent request"}`))
		return
	}

	var stored storedResponse
	if err := json.Unmarshal([]byte(val), &stored); err != nil {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error": "request already processed"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Idempotency-Hit", "true")
	w.WriteHeader(stored.Status)
	w.Write(stored.Body)
}
