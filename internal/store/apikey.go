package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrAPIKeyNotFound is returned when no active key matches a lookup.
var ErrAPIKeyNotFound = errors.New("api key not found")

// APIKey identifies an API caller. Only the salted SHA-256 hash of the key is
// stored; the prefix exists so lookups don't scan every hash.
type APIKey struct {
	ID                 string
	Name               string
	KeyPrefix          string
	KeyHash            string
	RateLimitPerMinute int
	Active             bool
	CreatedAt          time.Time
	LastUsedAt         *time.Time
}

// CreateAPIKey inserts a new active key record.
func (s *Store) CreateAPIKey(ctx context.Context, k *APIKey) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO postroom.api_keys(id, name, key_prefix, key_hash, rate_limit_per_minute, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, true, now())`,
		k.ID, k.Name, k.KeyPrefix, k.KeyHash, k.RateLimitPerMinute,
	)
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

// LookupAPIKey finds the key matching both prefix and hash. Callers decide
// what an inactive key means; invalid and inactive are different rejections.
func (s *Store) LookupAPIKey(ctx context.Context, prefix, hash string) (*APIKey, error) {
	var k APIKey
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, key_prefix, key_hash, rate_limit_per_minute, is_active, created_at, last_used_at
		FROM postroom.api_keys
		WHERE key_prefix = $1 AND key_hash = $2`, prefix, hash,
	).Scan(&k.ID, &k.Name, &k.KeyPrefix, &k.KeyHash, &k.RateLimitPerMinute, &k.Active, &k.CreatedAt, &k.LastUsedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAPIKeyNotFound
		}
		return nil, err
	}
	return &k, nil
}

// TouchLastUsed stamps last_used_at. Fire-and-forget from the auth path.
func (s *Store) TouchLastUsed(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE postroom.api_keys SET last_used_at = now() WHERE id = $1`, id)
	return err
}
