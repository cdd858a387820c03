package conversations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/botpress/botpress-sub033/internal/broadcast"
)

const (
	cacheSize = 10000
	cacheTTL  = 5 * time.Minute

	invalidationName = "messaging.invalidate_most_recent"
)

type invalidation struct {
	BotID        string `json:"botId"`
	UserID       string `json:"userId"`
	MostRecentID string `json:"mostRecentId,omitempty"`
}

// Service holds per-bot conversation facades and the shared most-recent
// conversation caches with cross-instance invalidation.
type Service struct {
	repo     Repository
	mappings MappingRepository
	logger   *slog.Logger

	invalidate broadcast.InvokeFunc

	mu     sync.Mutex
	caches map[string]*expirable.LRU[string, Conversation]
	scoped map[string]*BotConversations
}

// NewService creates the conversation service and registers its invalidation
// handler on the broadcaster.
func NewService(log *slog.Logger, repo Repository, mappings MappingRepository, caster broadcast.Broadcaster) (*Service, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		repo:     repo,
		mappings: mappings,
		logger:   log.With(slog.String("service", "conversations")),
		caches:   map[string]*expirable.LRU[string, Conversation]{},
		scoped:   map[string]*BotConversations{},
	}

	invalidate, err := caster.Broadcast(invalidationName, s.handleInvalidation)
	if err != nil {
		return nil, fmt.Errorf("register invalidation broadcast: %w", err)
	}
	s.invalidate = invalidate

	return s, nil
}

// ForBot returns the facade scoped to one bot.
func (s *Service) ForBot(botID string) *BotConversations {
	s.mu.Lock()
	defer s.mu.Unlock()
	scoped, ok := s.scoped[botID]
	if !ok {
		scoped = &BotConversations{service: s, botID: botID}
		s.scoped[botID] = scoped
	}
	return scoped
}

func (s *Service) cacheForBot(botID string) *expirable.LRU[string, Conversation] {
	s.mu.Lock()
	defer s.mu.Unlock()
	cache, ok := s.caches[botID]
	if !ok {
		cache = expirable.NewLRU[string, Conversation](cacheSize, nil, cacheTTL)
		s.caches[botID] = cache
	}
	return cache
}

// handleInvalidation drops a cached most-recent entry, but only when it
// disagrees with the broadcast value. Instances that already agree keep
// their entry, avoiding cache thrashing.
func (s *Service) handleInvalidation(ctx context.Context, payload []byte) error {
	var inv invalidation
	if err := json.Unmarshal(payload, &inv); err != nil {
		return fmt.Errorf("decode most-recent invalidation: %w", err)
	}
	if inv.BotID == "" || inv.UserID == "" {
		return nil
	}

	cache := s.cacheForBot(inv.BotID)
	cached, ok := cache.Peek(inv.UserID)
	if ok && cached.ID != inv.MostRecentID {
		cache.Remove(inv.UserID)
	}
	return nil
}

func (s *Service) broadcastInvalidation(ctx context.Context, botID, userID, mostRecentID string) {
	payload, err := json.Marshal(invalidation{BotID: botID, UserID: userID, MostRecentID: mostRecentID})
	if err != nil {
		s.logger.Warn("encode most-recent invalidation failed", slog.Any("error", err))
		return
	}
	s.invalidate(ctx, payload)
}

// BotConversations is the conversation facade scoped to one bot.
type BotConversations struct {
	service *Service
	botID   string
}

// Create starts a new conversation for the user.
func (b *BotConversations) Create(ctx context.Context, userID string) (Conversation, error) {
	return b.service.repo.Create(ctx, b.botID, userID)
}

// Get fetches a conversation by id.
func (b *BotConversations) Get(ctx context.Context, id string) (Conversation, error) {
	return b.service.repo.Get(ctx, id)
}

// List returns the user's conversations, most recent first.
func (b *BotConversations) List(ctx context.Context, filters ListFilters) ([]Conversation, error) {
	return b.service.repo.List(ctx, b.botID, filters.UserID, filters.Limit)
}

// Recent returns the user's most recent conversation, creating one when the
// user has none. Cache hits skip the repository entirely.
func (b *BotConversations) Recent(ctx context.Context, userID string) (Conversation, error) {
	cache := b.service.cacheForBot(b.botID)
	if cached, ok := cache.Get(userID); ok {
		return cached, nil
	}

	conversation, err := b.service.repo.Recent(ctx, b.botID, userID)
	if errors.Is(err, ErrNotFound) {
		conversation, err = b.service.repo.Create(ctx, b.botID, userID)
	}
	if err != nil {
		return Conversation{}, err
	}

	cache.Add(userID, conversation)
	return conversation, nil
}

// Delete removes conversations by id or by user, invalidating the owning
// user's most-recent cache entry locally and on every other instance.
func (b *BotConversations) Delete(ctx context.Context, filters DeleteFilters) (int, error) {
	if filters.ID != "" {
		conversation, err := b.service.repo.Get(ctx, filters.ID)
		if err != nil {
			return 0, err
		}
		b.service.broadcastInvalidation(ctx, b.botID, conversation.UserID, "")

		deleted, err := b.service.repo.Delete(ctx, filters.ID)
		if err != nil {
			return 0, err
		}
		if deleted {
			return 1, nil
		}
		return 0, nil
	}

	b.service.broadcastInvalidation(ctx, b.botID, filters.UserID, "")
	return b.service.repo.DeleteAll(ctx, b.botID, filters.UserID)
}

// SetMostRecent promotes the conversation to most recent for its user. A
// no-op when the cache already agrees; otherwise other instances are told
// the new most-recent id so they can decide whether their entry is stale.
func (b *BotConversations) SetMostRecent(ctx context.Context, conversation Conversation) {
	cache := b.service.cacheForBot(b.botID)
	current, ok := cache.Peek(conversation.UserID)
	if ok && current.ID == conversation.ID {
		return
	}

	b.service.broadcastInvalidation(ctx, b.botID, conversation.UserID, conversation.ID)
	cache.Add(conversation.UserID, conversation)
}

// InvalidateMostRecent drops the user's most-recent cache entry here and on
// every other instance. Used when a write elsewhere makes the entry stale.
func (b *BotConversations) InvalidateMostRecent(ctx context.Context, userID string) {
	b.service.broadcastInvalidation(ctx, b.botID, userID, "")
}

func (b *BotConversations) mappingScope(channel string) string {
	return fmt.Sprintf("%s-%s-conversations", b.botID, channel)
}

// CreateMapping associates a local conversation id with the messaging
// service's id for the same conversation on one channel.
func (b *BotConversations) CreateMapping(ctx context.Context, channel, localID, foreignID string) error {
	return b.service.mappings.Create(ctx, b.mappingScope(channel), localID, foreignID)
}

// DeleteMapping removes the association for a local conversation id.
func (b *BotConversations) DeleteMapping(ctx context.Context, channel, localID string) (bool, error) {
	return b.service.mappings.Delete(ctx, b.mappingScope(channel), localID)
}

// ForeignID resolves the messaging service's conversation id.
func (b *BotConversations) ForeignID(ctx context.Context, channel, localID string) (string, error) {
	return b.service.mappings.ForeignID(ctx, b.mappingScope(channel), localID)
}

// LocalID resolves the internal conversation id.
func (b *BotConversations) LocalID(ctx context.Context, channel, foreignID string) (string, error) {
	return b.service.mappings.LocalID(ctx, b.mappingScope(channel), foreignID)
}
