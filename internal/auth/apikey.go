// Package auth validates API keys. Keys are never stored; only a salted
// SHA-256 hash plus a short prefix that keeps lookups off a full hash scan.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"

	"github.com/postroomhq/postroom/internal/logging"
	"github.com/postroomhq/postroom/internal/store"
)

// APIKeyContext key for storing the authenticated key in context
type contextKey string

const APIKeyCtxKey contextKey = "api_key"

// HeaderName is the request header carrying the key.
const HeaderName = "X-API-Key"

// KeyPrefixLen is how many leading characters of the full key are stored in
// clear for lookup.
const KeyPrefixLen = 12

// HashKey returns the hex SHA-256 of salt||key.
func HashKey(salt, key string) string {
	sum := sha256.Sum256([]byte(salt + key))
	return hex.EncodeToString(sum[:])
}

// Prefix returns the lookup prefix of a full key.
func Prefix(key string) string {
	if len(key) < KeyPrefixLen {
		return key
	}
	return key[:KeyPrefixLen]
}

// GenerateKey mints a new key. Returns the full key, its prefix, and the
// salted hash. The full key is shown once and never persisted.
func GenerateKey(salt string) (full, prefix, hash string, err error) {
	body := make([]byte, 24)
	if _, err = rand.Read(body); err != nil {
		return "", "", "", fmt.Errorf("generate key: %w", err)
	}
	full = "sk_live_" + hex.EncodeToString(body)
	return full, Prefix(full), HashKey(salt, full), nil
}

// KeyLookup resolves a prefix/hash pair to a key record.
type KeyLookup interface {
	LookupAPIKey(ctx context.Context, prefix, hash string) (*store.APIKey, error)
	TouchLastUsed(ctx context.Context, id string) error
}

// Middleware authenticates every request via X-API-Key and puts the key
// record in the request context. Missing or unknown keys get 401, inactive
// keys 403.
func Middleware(lookup KeyLookup, salt string, logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(HeaderName)
			if key == "" {
				writeError(w, http.StatusUnauthorized, "Missing API key. Include X-API-Key header.")
				return
			}

			rec, err := lookup.LookupAPIKey(r.Context(), Prefix(key), HashKey(salt, key))
			if err != nil {
				if errors.Is(err, store.ErrAPIKeyNotFound) {
					writeError(w, http.StatusUnauthorized, "Invalid API key.")
					return
				}
				logger.WithContext(r.Context()).WithError(err).Error("api key lookup failed")
				writeError(w, http.StatusInternalServerError, "Internal error.")
				return
			}
			if !rec.Active {
				writeError(w, http.StatusForbidden, "API key is inactive.")
				return
			}

			if err := lookup.TouchLastUsed(r.Context(), rec.ID); err != nil {
				logger.WithContext(r.Context()).WithError(err).Warn("touch last_used_at failed")
			}

			ctx := context.WithValue(r.Context(), APIKeyCtxKey, rec)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// FromContext returns the authenticated key record, if any.
func FromContext(ctx context.Context) (*store.APIKey, bool) {
	rec, ok := ctx.Value(APIKeyCtxKey).(*store.APIKey)
	return rec, ok
}

func writeError(w http.ResponseWriter, code int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"detail":%q}`, detail)
}
