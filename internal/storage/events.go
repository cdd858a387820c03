package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EventStore is the pgx implementation of the listener's FeedbackStore. It
// records the external message id of stored incoming events so feedback can
// be attributed later.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates the store.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// RecordIncomingEvent stores the event/message association used by feedback
// lookup.
func (s *EventStore) RecordIncomingEvent(ctx context.Context, eventID, botID, messageID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO msg_events (id, bot_id, message_id, incoming_event_id)
		 VALUES ($1, $2, $3, $1)
		 ON CONFLICT (id) DO NOTHING`,
		eventID, botID, nullable(messageID))
	if err != nil {
		return fmt.Errorf("insert event record: %w", err)
	}
	return nil
}

func (s *EventStore) FindIncomingEventID(ctx context.Context, botID, messageID string) (string, error) {
	var incomingEventID *string
	err := s.pool.QueryRow(ctx,
		`SELECT incoming_event_id FROM msg_events
		 WHERE bot_id = $1 AND message_id = $2
		 ORDER BY created_at DESC LIMIT 1`,
		botID, messageID).
		Scan(&incomingEventID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("select event by message: %w", err)
	}
	if incomingEventID == nil {
		return "", nil
	}
	return *incomingEventID, nil
}

func (s *EventStore) SaveFeedback(ctx context.Context, incomingEventID, userID string, feedback int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE msg_events SET feedback = $2, feedback_user_id = $3 WHERE incoming_event_id = $1`,
		incomingEventID, feedback, nullable(userID))
	if err != nil {
		return fmt.Errorf("update event feedback: %w", err)
	}
	return nil
}
