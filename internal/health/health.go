package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

type Status struct {
	OK       bool   `json:"ok"`
	Message  string `json:"message,omitempty"`
	Database bool   `json:"database,omitempty"`
	Queue    bool   `json:"queue,omitempty"`
	Redis    bool   `json:"redis,omitempty"`
}

// HTTPHandler reports service health. Any nil dependency is skipped and
// reported healthy; a dead database or queue makes the whole check fail,
// while Redis is advisory only since the limiter fails open without it.
func HTTPHandler(pool *pgxpool.Pool, rdb *redis.Client, queuePing func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Message: "ok", Database: true, Queue: true, Redis: true}

		ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
		defer cancel()

		if pool != nil {
			if err := pool.Ping(ctx); err != nil {
				st.OK = false
				st.Message = "db ping failed"
				st.Database = false
			}
		}
		if queuePing != nil {
			if err := queuePing(); err != nil {
				st.OK = false
				st.Message = "queue ping failed"
				st.Queue = false
			}
		}
		if rdb != nil {
			if err := rdb.Ping(ctx).Err(); err != nil {
				st.Redis = false
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}
