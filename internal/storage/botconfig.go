package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/botpress/botpress-sub033/internal/registry"
)

// BotConfigStore is the pgx implementation of the registry's ConfigProvider.
// The messaging credential block is stored as one JSONB document per bot.
type BotConfigStore struct {
	pool *pgxpool.Pool
}

// NewBotConfigStore creates the store.
func NewBotConfigStore(pool *pgxpool.Pool) *BotConfigStore {
	return &BotConfigStore{pool: pool}
}

func (s *BotConfigStore) GetMessagingConfig(ctx context.Context, botID string) (registry.MessagingSettings, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT messaging FROM msg_bot_configs WHERE bot_id = $1`, botID).
		Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return registry.MessagingSettings{}, nil
	}
	if err != nil {
		return registry.MessagingSettings{}, fmt.Errorf("select bot config: %w", err)
	}

	var settings registry.MessagingSettings
	if err := json.Unmarshal(raw, &settings); err != nil {
		return registry.MessagingSettings{}, fmt.Errorf("decode bot messaging config: %w", err)
	}
	return settings, nil
}

func (s *BotConfigStore) MergeMessagingConfig(ctx context.Context, botID string, settings registry.MessagingSettings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode bot messaging config: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO msg_bot_configs (bot_id, messaging) VALUES ($1, $2)
		 ON CONFLICT (bot_id) DO UPDATE SET messaging = msg_bot_configs.messaging || EXCLUDED.messaging`,
		botID, raw)
	if err != nil {
		return fmt.Errorf("merge bot messaging config: %w", err)
	}
	return nil
}
