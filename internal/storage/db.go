// Package storage provides the pgx-backed implementations of the durable
// collaborator interfaces defined by the domain packages.
package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/botpress/botpress-sub033/internal/config"
)

// Open connects a pgx pool from the postgres config section.
func Open(ctx context.Context, cfg config.PostgresConfig) (*pgxpool.Pool, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database, cfg.SSLMode)

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// Migrate creates the tables this layer owns.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS msg_conversations (
			id UUID PRIMARY KEY,
			bot_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS msg_conversations_bot_user_idx
			ON msg_conversations (bot_id, user_id)`,
		`CREATE TABLE IF NOT EXISTS msg_messages (
			id UUID PRIMARY KEY,
			conversation_id UUID NOT NULL REFERENCES msg_conversations (id) ON DELETE CASCADE,
			author_id TEXT,
			event_id TEXT,
			incoming_event_id TEXT,
			payload JSONB NOT NULL,
			sent_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS msg_messages_conversation_idx
			ON msg_messages (conversation_id, sent_at DESC)`,
		`CREATE TABLE IF NOT EXISTS msg_mappings (
			scope TEXT NOT NULL,
			local_id TEXT NOT NULL,
			foreign_id TEXT NOT NULL,
			PRIMARY KEY (scope, local_id),
			UNIQUE (scope, foreign_id)
		)`,
		`CREATE TABLE IF NOT EXISTS msg_kv (
			bot_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			expires_at TIMESTAMPTZ,
			PRIMARY KEY (bot_id, key)
		)`,
		`CREATE TABLE IF NOT EXISTS msg_bot_configs (
			bot_id TEXT PRIMARY KEY,
			messaging JSONB NOT NULL DEFAULT '{}'::jsonb
		)`,
		`CREATE TABLE IF NOT EXISTS msg_events (
			id UUID PRIMARY KEY,
			bot_id TEXT NOT NULL,
			message_id TEXT,
			incoming_event_id TEXT,
			feedback INT,
			feedback_user_id TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS msg_events_message_idx
			ON msg_events (bot_id, message_id)`,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate messaging schema: %w", err)
		}
	}
	return nil
}
