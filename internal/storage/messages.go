package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/botpress/botpress-sub033/internal/messages"
)

// MessageStore is the pgx implementation of messages.Repository.
type MessageStore struct {
	pool *pgxpool.Pool
}

// NewMessageStore creates the store.
func NewMessageStore(pool *pgxpool.Pool) *MessageStore {
	return &MessageStore{pool: pool}
}

func (s *MessageStore) Create(ctx context.Context, conversationID, eventID, incomingEventID, authorID string, payload map[string]any) (messages.Message, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return messages.Message{}, fmt.Errorf("marshal message payload: %w", err)
	}

	msg := messages.Message{
		ID:              uuid.NewString(),
		ConversationID:  conversationID,
		AuthorID:        authorID,
		Payload:         payload,
		EventID:         eventID,
		IncomingEventID: incomingEventID,
		SentAt:          time.Now().UTC(),
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO msg_messages (id, conversation_id, author_id, event_id, incoming_event_id, payload, sent_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		msg.ID, msg.ConversationID, nullable(msg.AuthorID), nullable(msg.EventID), nullable(msg.IncomingEventID), raw, msg.SentAt)
	if err != nil {
		return messages.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

func (s *MessageStore) Get(ctx context.Context, id string) (messages.Message, error) {
	msg, err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT id, conversation_id, author_id, event_id, incoming_event_id, payload, sent_at
		 FROM msg_messages WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return messages.Message{}, messages.ErrNotFound
	}
	if err != nil {
		return messages.Message{}, fmt.Errorf("select message: %w", err)
	}
	return msg, nil
}

func (s *MessageStore) List(ctx context.Context, conversationID string, limit int) ([]messages.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, author_id, event_id, incoming_event_id, payload, sent_at
		 FROM msg_messages WHERE conversation_id = $1
		 ORDER BY sent_at DESC LIMIT $2`,
		conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var items []messages.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, msg)
	}
	return items, rows.Err()
}

func (s *MessageStore) Delete(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM msg_messages WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete message: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *MessageStore) DeleteAll(ctx context.Context, conversationID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM msg_messages WHERE conversation_id = $1`, conversationID)
	if err != nil {
		return 0, fmt.Errorf("delete messages: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanMessage(row pgx.Row) (messages.Message, error) {
	var (
		msg      messages.Message
		author   *string
		eventID  *string
		incoming *string
		raw      []byte
	)
	if err := row.Scan(&msg.ID, &msg.ConversationID, &author, &eventID, &incoming, &raw, &msg.SentAt); err != nil {
		return messages.Message{}, err
	}
	if author != nil {
		msg.AuthorID = *author
	}
	if eventID != nil {
		msg.EventID = *eventID
	}
	if incoming != nil {
		msg.IncomingEventID = *incoming
	}
	if err := json.Unmarshal(raw, &msg.Payload); err != nil {
		return messages.Message{}, err
	}
	return msg, nil
}

func nullable(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
