package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/postroomhq/postroom/internal/logging"
	"github.com/postroomhq/postroom/internal/store"
)

func TestHashKey(t *testing.T) {
	h1 := HashKey("salt", "sk_live_abc")
	h2 := HashKey("salt", "sk_live_abc")
	h3 := HashKey("other", "sk_live_abc")
	h4 := HashKey("salt", "sk_live_def")

	if h1 != h2 {
		t.Error("same salt and key must hash identically")
	}
	if h1 == h3 {
		t.Error("different salt must change the hash")
	}
	if h1 == h4 {
		t.Error("different key must change the hash")
	}
	if len(h1) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(h1))
	}
}

func TestGenerateKey(t *testing.T) {
	full, prefix, hash, err := GenerateKey("salt")
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	if !strings.HasPrefix(full, "sk_live_") {
		t.Errorf("key %q must carry the sk_live_ prefix", full)
	}
	if len(full) != len("sk_live_")+48 {
		t.Errorf("key length = %d, want %d", len(full), len("sk_live_")+48)
	}
	if prefix != full[:KeyPrefixLen] {
		t.Errorf("prefix = %q, want first %d chars of key", prefix, KeyPrefixLen)
	}
	if hash != HashKey("salt", full) {
		t.Error("returned hash must match HashKey of the full key")
	}

	full2, _, _, err := GenerateKey("salt")
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	if full == full2 {
		t.Error("two generated keys must differ")
	}
}

type fakeLookup struct {
	key     *store.APIKey
	prefix  string
	hash    string
	touched string
}

func (f *fakeLookup) LookupAPIKey(ctx context.Context, prefix, hash string) (*store.APIKey, error) {
	if f.key != nil && prefix == f.prefix && hash == f.hash {
		return f.key, nil
	}
	return nil, store.ErrAPIKeyNotFound
}

func (f *fakeLookup) TouchLastUsed(ctx context.Context, id string) error {
	f.touched = id
	return nil
}

func TestMiddleware(t *testing.T) {
	const salt = "pepper"
	full, prefix, hash, err := GenerateKey(salt)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	newHandler := func(lookup KeyLookup) http.Handler {
		inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec, ok := FromContext(r.Context())
			if !ok {
				t.Error("key record missing from request context")
			} else if rec.ID != "key-1" {
				t.Errorf("context key ID = %q, want key-1", rec.ID)
			}
			w.WriteHeader(http.StatusOK)
		})
		return Middleware(lookup, salt, logging.New("test"))(inner)
	}

	t.Run("valid key", func(t *testing.T) {
		lookup := &fakeLookup{
			key:    &store.APIKey{ID: "key-1", Active: true},
			prefix: prefix,
			hash:   hash,
		}
		req := httptest.NewRequest(http.MethodPost, "/v1/emails", nil)
		req.Header.Set(HeaderName, full)
		rr := httptest.NewRecorder()
		newHandler(lookup).ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", rr.Code)
		}
		if lookup.touched != "key-1" {
			t.Errorf("last_used_at touched for %q, want key-1", lookup.touched)
		}
	})

	t.Run("missing key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/emails", nil)
		rr := httptest.NewRecorder()
		newHandler(&fakeLookup{}).ServeHTTP(rr, req)

		if rr.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rr.Code)
		}
		var body map[string]string
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("error body is not JSON: %v", err)
		}
		if body["detail"] == "" {
			t.Error("error body must carry a detail message")
		}
	})

	t.Run("unknown key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/emails", nil)
		req.Header.Set(HeaderName, "sk_live_wrong")
		rr := httptest.NewRecorder()
		newHandler(&fakeLookup{}).ServeHTTP(rr, req)

		if rr.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rr.Code)
		}
	})

	t.Run("inactive key", func(t *testing.T) {
		lookup := &fakeLookup{
			key:    &store.APIKey{ID: "key-1", Active: false},
			prefix: prefix,
			hash:   hash,
		}
		inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("handler must not run for inactive key")
		})
		req := httptest.NewRequest(http.MethodPost, "/v1/emails", nil)
		req.Header.Set(HeaderName, full)
		rr := httptest.NewRecorder()
		Middleware(lookup, salt, logging.New("test"))(inner).ServeHTTP(rr, req)

		if rr.Code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", rr.Code)
		}
	})
}
