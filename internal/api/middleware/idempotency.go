package middleware

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"

	inProgress = "PROCESSING"
)

// responseRecorder keeps a copy of what the handler writes.
type responseRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

// Idempotency replays the stored response for a repeated Idempotency-Key and
// rejects a key whose first request is still running. Only successful
// responses are stored; a failed request may be retried with the same key.
func Idempotency(redisClient *redis.Client, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Only apply to state-changing methods
			if r.Method != http.MethodPost && r.Method != http.MethodPut && r.Method != http.MethodPatch {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get(HeaderIdempotencyKey)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			idemKey := fmt.Sprintf("idempotency:%s", key)
			ctx := r.Context()

			val, err := redisClient.Get(ctx, idemKey).Result()
			if err == nil {
				w.Header().Set("X-Idempotency-Hit", "true")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusConflict)
				if val == inProgress {
					w.Write([]byte(`{"error": "concurrent request"}`))
					return
				}
				w.Write([]byte(fmt.Sprintf(`{"error": "request already processed", "original_response": %s}`, val)))
				return
			} else if !errors.Is(err, redis.Nil) {
				logger.Warn("idempotency store unavailable", "error", err)
				next.ServeHTTP(w, r)
				return
			}

			// SETNX with a short TTL so a crashed request does not hold the key forever.
			acquired, err := redisClient.SetNX(ctx, idemKey, inProgress, 10*time.Second).Result()
			if err != nil || !acquired {
				w.WriteHeader(http.StatusConflict)
				w.Write([]byte(`{"error": "concurrent request"}`))
				return
			}

			rec := &responseRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			if rec.status != 0 && (rec.status < 200 || rec.status >= 300) {
				redisClient.Del(ctx, idemKey)
				return
			}

			body := bytes.TrimSpace(rec.body.Bytes())
			if len(body) == 0 || body[0] != '{' && body[0] != '[' {
				body = []byte(`"COMPLETED"`)
			}
			redisClient.Set(ctx, idemKey, body, 24*time.Hour)
		})
	}
}
