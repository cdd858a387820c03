// Package messages owns message persistence and conversation recency
// promotion.
package messages

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/botpress/botpress-sub033/internal/conversations"
)

// ErrNotFound is returned when a message does not exist.
var ErrNotFound = errors.New("message not found")

// Message belongs to exactly one conversation.
type Message struct {
	ID              string         `json:"id"`
	ConversationID  string         `json:"conversationId"`
	AuthorID        string         `json:"authorId,omitempty"`
	Payload         map[string]any `json:"payload"`
	EventID         string         `json:"eventId,omitempty"`
	IncomingEventID string         `json:"incomingEventId,omitempty"`
	SentAt          time.Time      `json:"sentAt"`
}

// CreateArgs are the inputs for persisting a message.
type CreateArgs struct {
	ConversationID  string
	Payload         map[string]any
	AuthorID        string
	EventID         string
	IncomingEventID string
}

// ListFilters narrow a message listing.
type ListFilters struct {
	ConversationID string
	Limit          int
}

// DeleteFilters select messages for deletion, by id or by conversation.
type DeleteFilters struct {
	ID             string
	ConversationID string
}

// Repository is the durable store behind the service.
type Repository interface {
	Create(ctx context.Context, conversationID, eventID, incomingEventID, authorID string, payload map[string]any) (Message, error)
	Get(ctx context.Context, id string) (Message, error)
	List(ctx context.Context, conversationID string, limit int) ([]Message, error)
	Delete(ctx context.Context, id string) (bool, error)
	DeleteAll(ctx context.Context, conversationID string) (int, error)
}

// Service hands out per-bot message facades.
type Service struct {
	repo          Repository
	conversations *conversations.Service
	logger        *slog.Logger

	mu     sync.Mutex
	scoped map[string]*BotMessages
}

// NewService creates the message service.
func NewService(log *slog.Logger, repo Repository, convs *conversations.Service) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		repo:          repo,
		conversations: convs,
		logger:        log.With(slog.String("service", "messages")),
		scoped:        map[string]*BotMessages{},
	}
}

// ForBot returns the facade scoped to one bot.
func (s *Service) ForBot(botID string) *BotMessages {
	s.mu.Lock()
	defer s.mu.Unlock()
	scoped, ok := s.scoped[botID]
	if !ok {
		scoped = &BotMessages{service: s, conversations: s.conversations.ForBot(botID), botID: botID}
		s.scoped[botID] = scoped
	}
	return scoped
}

// BotMessages is the message facade scoped to one bot.
type BotMessages struct {
	service       *Service
	conversations *conversations.BotConversations
	botID         string
}

// Create persists a message and promotes its conversation to most recent
// for the owning user.
func (b *BotMessages) Create(ctx context.Context, args CreateArgs) (Message, error) {
	message, err := b.service.repo.Create(ctx, args.ConversationID, args.EventID, args.IncomingEventID, args.AuthorID, args.Payload)
	if err != nil {
		return Message{}, err
	}

	conversation, err := b.conversations.Get(ctx, args.ConversationID)
	if err != nil {
		return Message{}, err
	}
	b.conversations.SetMostRecent(ctx, conversation)

	return message, nil
}

// Get fetches a message by id.
func (b *BotMessages) Get(ctx context.Context, id string) (Message, error) {
	return b.service.repo.Get(ctx, id)
}

// List returns a conversation's messages, most recent first.
func (b *BotMessages) List(ctx context.Context, filters ListFilters) ([]Message, error) {
	return b.service.repo.List(ctx, filters.ConversationID, filters.Limit)
}

// Delete removes messages by id or by conversation. The owning conversation
// is resolved first so the user's most-recent cache entry gets invalidated.
func (b *BotMessages) Delete(ctx context.Context, filters DeleteFilters) (int, error) {
	if filters.ID != "" {
		message, err := b.service.repo.Get(ctx, filters.ID)
		if errors.Is(err, ErrNotFound) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}

		if err := b.invalidateOwner(ctx, message.ConversationID); err != nil {
			return 0, err
		}

		deleted, err := b.service.repo.Delete(ctx, filters.ID)
		if err != nil {
			return 0, err
		}
		if deleted {
			return 1, nil
		}
		return 0, nil
	}

	if err := b.invalidateOwner(ctx, filters.ConversationID); err != nil {
		return 0, err
	}
	return b.service.repo.DeleteAll(ctx, filters.ConversationID)
}

func (b *BotMessages) invalidateOwner(ctx context.Context, conversationID string) error {
	conversation, err := b.conversations.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	b.conversations.InvalidateMostRecent(ctx, conversation.UserID)
	return nil
}
