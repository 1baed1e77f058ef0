package health

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestHTTPHandler(t *testing.T) {
	tests := []struct {
		name       string
		queuePing  func() error
		wantCode   int
		wantOK     bool
		wantQueue  bool
	}{
		{
			name:      "healthy with nil deps",
			queuePing: nil,
			wantCode:  http.StatusOK,
			wantOK:    true,
			wantQueue: true,
		},
		{
			name:      "healthy queue",
			queuePing: func() error { return nil },
			wantCode:  http.StatusOK,
			wantOK:    true,
			wantQueue: true,
		},
		{
			name:      "queue down",
			queuePing: func() error { return errors.New("nsqd unreachable") },
			wantCode:  http.StatusServiceUnavailable,
			wantOK:    false,
			wantQueue: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := HTTPHandler(nil, nil, tt.queuePing)
			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantCode)
			}
			if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("content type = %q, want application/json", ct)
			}

			var st Status
			if err := json.Unmarshal(rr.Body.Bytes(), &st); err != nil {
				t.Fatalf("body is not JSON: %v", err)
			}
			if st.OK != tt.wantOK {
				t.Errorf("ok = %v, want %v", st.OK, tt.wantOK)
			}
			if st.Queue != tt.wantQueue {
				t.Errorf("queue = %v, want %v", st.Queue, tt.wantQueue)
			}
		})
	}
}

func TestHTTPHandler_RedisAdvisory(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	mr.Close() // redis is down but the service stays healthy

	handler := HTTPHandler(nil, rdb, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 when only redis is down", rr.Code)
	}

	var st Status
	if err := json.Unmarshal(rr.Body.Bytes(), &st); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if !st.OK {
		t.Error("ok = false, want true")
	}
	if st.Redis {
		t.Error("redis = true, want false")
	}
}
