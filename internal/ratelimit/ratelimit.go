// Package ratelimit enforces a fixed-window per-key request budget backed by
// Redis. Redis being down never blocks traffic; the limiter fails open.
package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/postroomhq/postroom/internal/auth"
	"github.com/postroomhq/postroom/internal/logging"
)

const window = time.Minute

// Limiter counts requests per key prefix in one-minute windows.
type Limiter struct {
	rdb          *redis.Client
	defaultLimit int
	logger       *logging.Logger
}

func New(rdb *redis.Client, defaultLimit int, logger *logging.Logger) *Limiter {
	return &Limiter{rdb: rdb, defaultLimit: defaultLimit, logger: logger}
}

// Middleware runs after auth so the per-key budget from the key record wins
// over the default.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(auth.HeaderName)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		limit := l.defaultLimit
		if rec, ok := auth.FromContext(r.Context()); ok && rec.RateLimitPerMinute > 0 {
			limit = rec.RateLimitPerMinute
		}

		ctx := r.Context()
		counter := "ratelimit:" + auth.Prefix(key)

		current, err := l.rdb.Incr(ctx, counter).Result()
		if err != nil {
			// fail open if redis is down
			l.logger.WithContext(ctx).WithError(err).Warn("rate limit check failed, allowing")
			next.ServeHTTP(w, r)
			return
		}
		if current == 1 {
			if err := l.rdb.Expire(ctx, counter, window).Err(); err != nil {
				l.logger.WithContext(ctx).WithError(err).Warn("rate limit expire failed")
			}
		}

		ttl, err := l.rdb.TTL(ctx, counter).Result()
		if err != nil || ttl < 0 {
			ttl = window
		}
		reset := int(ttl.Seconds())

		remaining := limit - int(current)
		if remaining < 0 {
			remaining = 0
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.Itoa(reset))

		if int(current) > limit {
			w.Header().Set("Retry-After", strconv.Itoa(reset))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprintf(w, `{"detail":"Rate limit exceeded. Try again in %d seconds."}`, reset)
			return
		}

		next.ServeHTTP(w, r)
	})
}
