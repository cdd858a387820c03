// Package conversations owns conversation lifecycle, the most-recent
// conversation cache, and local/foreign conversation id mappings.
package conversations

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = errors.New("conversation not found")

// Conversation is owned by a bot and immutable after creation.
type Conversation struct {
	ID        string    `json:"id"`
	BotID     string    `json:"botId"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
}

// ListFilters narrow a conversation listing.
type ListFilters struct {
	UserID string
	Limit  int
}

// DeleteFilters select conversations for deletion, by id or by user.
type DeleteFilters struct {
	ID     string
	UserID string
}

// Repository is the durable store behind the service.
type Repository interface {
	Create(ctx context.Context, botID, userID string) (Conversation, error)
	Get(ctx context.Context, id string) (Conversation, error)
	List(ctx context.Context, botID, userID string, limit int) ([]Conversation, error)
	Recent(ctx context.Context, botID, userID string) (Conversation, error)
	Delete(ctx context.Context, id string) (bool, error)
	DeleteAll(ctx context.Context, botID, userID string) (int, error)
}

// MappingRepository is the bidirectional local/foreign id store, partitioned
// by scope.
type MappingRepository interface {
	Create(ctx context.Context, scope, localID, foreignID string) error
	Delete(ctx context.Context, scope, localID string) (bool, error)
	ForeignID(ctx context.Context, scope, localID string) (string, error)
	LocalID(ctx context.Context, scope, foreignID string) (string, error)
}
