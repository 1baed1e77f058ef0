package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DDL creates everything the service needs. Statements are idempotent so the
// API and worker can both run them at startup.
const DDL = `
CREATE SCHEMA IF NOT EXISTS postroom;

CREATE TABLE IF NOT EXISTS postroom.api_keys (
	id                    UUID PRIMARY KEY,
	key_prefix            VARCHAR(12) NOT NULL,
	key_hash              VARCHAR(64) NOT NULL,
	name                  VARCHAR(255) NOT NULL,
	rate_limit_per_minute INT NOT NULL DEFAULT 60,
	is_active             BOOLEAN NOT NULL DEFAULT TRUE,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_used_at          TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_api_keys_prefix ON postroom.api_keys (key_prefix);

CREATE TABLE IF NOT EXISTS postroom.emails (
	id               UUID PRIMARY KEY,
	message_id       VARCHAR(32) NOT NULL UNIQUE,
	api_key_id       UUID REFERENCES postroom.api_keys(id),
	to_email         VARCHAR(255) NOT NULL,
	from_email       VARCHAR(255) NOT NULL,
	from_name        VARCHAR(255),
	subject          VARCHAR(500) NOT NULL,
	body_html        TEXT,
	body_text        TEXT,
	reply_to         VARCHAR(255),
	status           VARCHAR(20) NOT NULL DEFAULT 'queued',
	attempts         INT NOT NULL DEFAULT 0,
	max_attempts     INT NOT NULL DEFAULT 3,
	last_error       TEXT,
	metadata         JSONB NOT NULL DEFAULT '{}'::jsonb,
	tags             TEXT[] NOT NULL DEFAULT '{}',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	queued_at        TIMESTAMPTZ,
	sent_at          TIMESTAMPTZ,
	delivered_at     TIMESTAMPTZ,
	failed_at        TIMESTAMPTZ,
	lease_expires_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_emails_status ON postroom.emails (status);
CREATE INDEX IF NOT EXISTS idx_emails_created_at ON postroom.emails (created_at);

CREATE TABLE IF NOT EXISTS postroom.email_events (
	id         BIGSERIAL PRIMARY KEY,
	email_id   UUID NOT NULL REFERENCES postroom.emails(id),
	event_type VARCHAR(50) NOT NULL,
	provider   VARCHAR(50),
	details    JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_email_events_email_id ON postroom.email_events (email_id);
CREATE INDEX IF NOT EXISTS idx_email_events_created_at ON postroom.email_events (created_at);

CREATE TABLE IF NOT EXISTS postroom.dead_letters (
	id         BIGSERIAL PRIMARY KEY,
	email_id   UUID,
	reason     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// EnsureSchema applies the DDL.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, DDL)
	return err
}
