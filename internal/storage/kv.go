package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// KVStore is the pgx implementation of the chat package's durable
// key-value collaborator. Expired entries read as absent.
type KVStore struct {
	pool *pgxpool.Pool
}

// NewKVStore creates the store.
func NewKVStore(pool *pgxpool.Pool) *KVStore {
	return &KVStore{pool: pool}
}

func (s *KVStore) Get(ctx context.Context, botID, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM msg_kv
		 WHERE bot_id = $1 AND key = $2 AND (expires_at IS NULL OR expires_at > now())`,
		botID, key).
		Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("select kv entry: %w", err)
	}
	return value, nil
}

func (s *KVStore) Set(ctx context.Context, botID, key, value string, ttl time.Duration) error {
	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().UTC().Add(ttl)
		expiresAt = &t
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO msg_kv (bot_id, key, value, expires_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (bot_id, key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
		botID, key, value, expiresAt)
	if err != nil {
		return fmt.Errorf("upsert kv entry: %w", err)
	}
	return nil
}
