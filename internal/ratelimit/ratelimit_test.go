package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/postroomhq/postroom/internal/auth"
	"github.com/postroomhq/postroom/internal/logging"
	"github.com/postroomhq/postroom/internal/store"
)

func newLimiter(t *testing.T, limit int) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, limit, logging.New("test")), mr
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func doRequest(h http.Handler, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/emails", nil)
	if key != "" {
		req.Header.Set(auth.HeaderName, key)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestLimiter_UnderLimit(t *testing.T) {
	l, _ := newLimiter(t, 3)
	h := l.Middleware(okHandler())

	for i := 0; i < 3; i++ {
		rr := doRequest(h, "sk_live_abcdef123456")
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i+1, rr.Code)
		}
	}

	rr := doRequest(h, "sk_live_abcdef123456")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("request over limit status = %d, want 429", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("429 response must carry Retry-After")
	}
	if got := rr.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want 0", got)
	}
}

func TestLimiter_Headers(t *testing.T) {
	l, _ := newLimiter(t, 10)
	h := l.Middleware(okHandler())

	rr := doRequest(h, "sk_live_abcdef123456")
	if got := rr.Header().Get("X-RateLimit-Limit"); got != "10" {
		t.Errorf("X-RateLimit-Limit = %q, want 10", got)
	}
	if got := rr.Header().Get("X-RateLimit-Remaining"); got != "9" {
		t.Errorf("X-RateLimit-Remaining = %q, want 9", got)
	}
	if rr.Header().Get("X-RateLimit-Reset") == "" {
		t.Error("X-RateLimit-Reset must be set")
	}
}

func TestLimiter_SeparateWindowsPerKey(t *testing.T) {
	l, _ := newLimiter(t, 1)
	h := l.Middleware(okHandler())

	if rr := doRequest(h, "sk_live_aaaaaaaaaaaa"); rr.Code != http.StatusOK {
		t.Fatalf("first key status = %d, want 200", rr.Code)
	}
	if rr := doRequest(h, "sk_live_bbbbbbbbbbbb"); rr.Code != http.StatusOK {
		t.Fatalf("second key status = %d, want 200", rr.Code)
	}
	if rr := doRequest(h, "sk_live_aaaaaaaaaaaa"); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("first key second hit status = %d, want 429", rr.Code)
	}
}

func TestLimiter_WindowResets(t *testing.T) {
	l, mr := newLimiter(t, 1)
	h := l.Middleware(okHandler())

	if rr := doRequest(h, "sk_live_abcdef123456"); rr.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", rr.Code)
	}
	if rr := doRequest(h, "sk_live_abcdef123456"); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rr.Code)
	}

	mr.FastForward(window)

	if rr := doRequest(h, "sk_live_abcdef123456"); rr.Code != http.StatusOK {
		t.Fatalf("request after window status = %d, want 200", rr.Code)
	}
}

func TestLimiter_PerKeyBudgetFromRecord(t *testing.T) {
	l, _ := newLimiter(t, 60)
	inner := okHandler()
	h := l.Middleware(inner)

	rec := &store.APIKey{ID: "key-1", RateLimitPerMinute: 2, Active: true}
	req := httptest.NewRequest(http.MethodPost, "/v1/emails", nil)
	req.Header.Set(auth.HeaderName, "sk_live_abcdef123456")
	req = req.WithContext(context.WithValue(req.Context(), auth.APIKeyCtxKey, rec))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if got := rr.Header().Get("X-RateLimit-Limit"); got != "2" {
		t.Errorf("X-RateLimit-Limit = %q, want per-key 2", got)
	}
}

func TestLimiter_NoKeySkips(t *testing.T) {
	l, _ := newLimiter(t, 1)
	h := l.Middleware(okHandler())

	for i := 0; i < 3; i++ {
		if rr := doRequest(h, ""); rr.Code != http.StatusOK {
			t.Fatalf("keyless request %d status = %d, want 200", i+1, rr.Code)
		}
	}
}

func TestLimiter_FailsOpenWhenRedisDown(t *testing.T) {
	l, mr := newLimiter(t, 1)
	h := l.Middleware(okHandler())
	mr.Close()

	if rr := doRequest(h, "sk_live_abcdef123456"); rr.Code != http.StatusOK {
		t.Fatalf("status with redis down = %d, want 200 (fail open)", rr.Code)
	}
}
