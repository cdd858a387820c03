package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/botpress/botpress-sub033/internal/conversations"
)

// ConversationStore is the pgx implementation of conversations.Repository.
type ConversationStore struct {
	pool *pgxpool.Pool
}

// NewConversationStore creates the store.
func NewConversationStore(pool *pgxpool.Pool) *ConversationStore {
	return &ConversationStore{pool: pool}
}

func (s *ConversationStore) Create(ctx context.Context, botID, userID string) (conversations.Conversation, error) {
	conv := conversations.Conversation{
		ID:        uuid.NewString(),
		BotID:     botID,
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO msg_conversations (id, bot_id, user_id, created_at) VALUES ($1, $2, $3, $4)`,
		conv.ID, conv.BotID, conv.UserID, conv.CreatedAt)
	if err != nil {
		return conversations.Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	return conv, nil
}

func (s *ConversationStore) Get(ctx context.Context, id string) (conversations.Conversation, error) {
	var conv conversations.Conversation
	err := s.pool.QueryRow(ctx,
		`SELECT id, bot_id, user_id, created_at FROM msg_conversations WHERE id = $1`, id).
		Scan(&conv.ID, &conv.BotID, &conv.UserID, &conv.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return conversations.Conversation{}, conversations.ErrNotFound
	}
	if err != nil {
		return conversations.Conversation{}, fmt.Errorf("select conversation: %w", err)
	}
	return conv, nil
}

func (s *ConversationStore) List(ctx context.Context, botID, userID string, limit int) ([]conversations.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT c.id, c.bot_id, c.user_id, c.created_at
		 FROM msg_conversations c
		 LEFT JOIN LATERAL (
			SELECT max(sent_at) AS last_sent FROM msg_messages m WHERE m.conversation_id = c.id
		 ) lm ON true
		 WHERE c.bot_id = $1 AND c.user_id = $2
		 ORDER BY lm.last_sent DESC NULLS LAST, c.created_at DESC
		 LIMIT $3`,
		botID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var items []conversations.Conversation
	for rows.Next() {
		var conv conversations.Conversation
		if err := rows.Scan(&conv.ID, &conv.BotID, &conv.UserID, &conv.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		items = append(items, conv)
	}
	return items, rows.Err()
}

func (s *ConversationStore) Recent(ctx context.Context, botID, userID string) (conversations.Conversation, error) {
	var conv conversations.Conversation
	err := s.pool.QueryRow(ctx,
		`SELECT c.id, c.bot_id, c.user_id, c.created_at
		 FROM msg_conversations c
		 LEFT JOIN LATERAL (
			SELECT max(sent_at) AS last_sent FROM msg_messages m WHERE m.conversation_id = c.id
		 ) lm ON true
		 WHERE c.bot_id = $1 AND c.user_id = $2
		 ORDER BY lm.last_sent DESC NULLS LAST, c.created_at DESC
		 LIMIT 1`,
		botID, userID).
		Scan(&conv.ID, &conv.BotID, &conv.UserID, &conv.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return conversations.Conversation{}, conversations.ErrNotFound
	}
	if err != nil {
		return conversations.Conversation{}, fmt.Errorf("select recent conversation: %w", err)
	}
	return conv, nil
}

func (s *ConversationStore) Delete(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM msg_conversations WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete conversation: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *ConversationStore) DeleteAll(ctx context.Context, botID, userID string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM msg_conversations WHERE bot_id = $1 AND user_id = $2`, botID, userID)
	if err != nil {
		return 0, fmt.Errorf("delete conversations: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
