package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// The control plane owns topics, subscriptions and monitor counters. Message
// storage stays in redis, so no message tables exist here.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS topics (
		project    TEXT NOT NULL,
		name       TEXT NOT NULL,
		metadata   JSONB NOT NULL DEFAULT '{}',
		counter    BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (project, name)
	)`,
	`CREATE TABLE IF NOT EXISTS subscriptions (
		id         TEXT PRIMARY KEY,
		project    TEXT NOT NULL,
		topic      TEXT NOT NULL,
		subscriber TEXT NOT NULL,
		options    JSONB NOT NULL DEFAULT '{}',
		ttl        INTEGER NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (project, topic, subscriber)
	)`,
	`CREATE INDEX IF NOT EXISTS subscriptions_topic_idx
		ON subscriptions (project, topic, id)`,
	`CREATE TABLE IF NOT EXISTS monitors (
		key     TEXT PRIMARY KEY,
		project TEXT NOT NULL,
		type    TEXT NOT NULL,
		mc   BIGINT NOT NULL DEFAULT 0,
		mb   BIGINT NOT NULL DEFAULT 0,
		bmc  BIGINT NOT NULL DEFAULT 0,
		bmb  BIGINT NOT NULL DEFAULT 0,
		cmc  BIGINT NOT NULL DEFAULT 0,
		cmb  BIGINT NOT NULL DEFAULT 0,
		tsmc BIGINT NOT NULL DEFAULT 0,
		tsmb BIGINT NOT NULL DEFAULT 0,
		smc  BIGINT NOT NULL DEFAULT 0,
		smb  BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS monitors_project_idx
		ON monitors (project, key)`,
}

// EnsureSchema creates the control-plane tables if they do not exist yet.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}
