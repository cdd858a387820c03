// Package chat is the top-level send/receive facade. It resolves the
// channel to deliver on, remembering the last channel each user was seen on.
package chat

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
	"github.com/botpress/botpress-sub033/internal/conversations"
	"github.com/botpress/botpress-sub033/internal/events"
	"github.com/botpress/botpress-sub033/internal/messages"
)

const (
	cacheSize = 10000
	cacheTTL  = 5 * time.Minute

	// Durable last-channel entries outlive the cache but still expire.
	lastChannelTTL = 48 * time.Hour

	invalidationName = "messaging.invalidate_last_channel"
)

// ErrNoChannel is returned when sending without an explicit channel for a
// user that has no recorded last channel.
var ErrNoChannel = errors.New("no previous channel was set for the user, a channel must be provided")

// KVStore is the durable key-value collaborator backing last-channel entries.
type KVStore interface {
	Get(ctx context.Context, botID, key string) (string, error)
	Set(ctx context.Context, botID, key, value string, ttl time.Duration) error
}

type invalidation struct {
	BotID   string `json:"botId"`
	UserID  string `json:"userId"`
	Channel string `json:"channel"`
}

// MessageArgs carry optional send/receive parameters.
type MessageArgs struct {
	Channel string
}

// Service hands out per-bot chat facades and owns the last-channel cache.
type Service struct {
	engine        events.Engine
	conversations *conversations.Service
	messages      *messages.Service
	kv            KVStore
	logger        *slog.Logger

	invalidate broadcast.InvokeFunc

	mu     sync.Mutex
	caches map[string]*expirable.LRU[string, string]
	scoped map[string]*BotChat
}

// NewService creates the chat service, registers its invalidation handler,
// and hooks the engine so every inbound event refreshes the sender's last
// channel.
func NewService(log *slog.Logger, engine events.Engine, convs *conversations.Service, msgs *messages.Service, kv KVStore, caster broadcast.Broadcaster) (*Service, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		engine:        engine,
		conversations: convs,
		messages:      msgs,
		kv:            kv,
		logger:        log.With(slog.String("service", "chat")),
		caches:        map[string]*expirable.LRU[string, string]{},
		scoped:        map[string]*BotChat{},
	}

	invalidate, err := caster.Broadcast(invalidationName, s.handleInvalidation)
	if err != nil {
		return nil, fmt.Errorf("register invalidation broadcast: %w", err)
	}
	s.invalidate = invalidate

	engine.SetOnSendIncoming(func(ctx context.Context, event *events.Event) error {
		if event.Channel == "" {
			return nil
		}
		return s.updateLastChannel(ctx, event.BotID, event.Target, event.Channel)
	})

	return s, nil
}

// ForBot returns the facade scoped to one bot.
func (s *Service) ForBot(botID string) *BotChat {
	s.mu.Lock()
	defer s.mu.Unlock()
	scoped, ok := s.scoped[botID]
	if !ok {
		scoped = &BotChat{service: s, botID: botID}
		s.scoped[botID] = scoped
	}
	return scoped
}

func (s *Service) cacheForBot(botID string) *expirable.LRU[string, string] {
	s.mu.Lock()
	defer s.mu.Unlock()
	cache, ok := s.caches[botID]
	if !ok {
		cache = expirable.NewLRU[string, string](cacheSize, nil, cacheTTL)
		s.caches[botID] = cache
	}
	return cache
}

func lastChannelKey(botID, userID string) string {
	return "lastChannel_" + botID + "_" + userID
}

func (s *Service) lastChannel(ctx context.Context, botID, userID string) (string, error) {
	cache := s.cacheForBot(botID)
	if cached, ok := cache.Get(userID); ok {
		return cached, nil
	}

	channel, err := s.kv.Get(ctx, botID, lastChannelKey(botID, userID))
	if err != nil {
		return "", fmt.Errorf("read last channel: %w", err)
	}
	if channel != "" {
		cache.Add(userID, channel)
	}
	return channel, nil
}

func (s *Service) updateLastChannel(ctx context.Context, botID, userID, channel string) error {
	cache := s.cacheForBot(botID)
	if current, ok := cache.Get(userID); ok && current == channel {
		return nil
	}

	if err := s.kv.Set(ctx, botID, lastChannelKey(botID, userID), channel, lastChannelTTL); err != nil {
		return fmt.Errorf("persist last channel: %w", err)
	}

	payload, err := json.Marshal(invalidation{BotID: botID, UserID: userID, Channel: channel})
	if err != nil {
		return fmt.Errorf("encode last-channel invalidation: %w", err)
	}
	s.invalidate(ctx, payload)

	cache.Add(userID, channel)
	return nil
}

// handleInvalidation drops a cached last-channel entry that disagrees with
// the broadcast value.
func (s *Service) handleInvalidation(ctx context.Context, payload []byte) error {
	var inv invalidation
	if err := json.Unmarshal(payload, &inv); err != nil {
		return fmt.Errorf("decode last-channel invalidation: %w", err)
	}
	if inv.BotID == "" || inv.UserID == "" {
		return nil
	}

	cache := s.cacheForBot(inv.BotID)
	cached, ok := cache.Peek(inv.UserID)
	if ok && cached != inv.Channel {
		cache.Remove(inv.UserID)
	}
	return nil
}

// BotChat is the chat facade scoped to one bot.
type BotChat struct {
	service *Service
	botID   string
}

// Receive injects a user message into the event pipeline and records it.
func (b *BotChat) Receive(ctx context.Context, conversationID string, payload map[string]any, args MessageArgs) (messages.Message, error) {
	return b.sendMessage(ctx, conversationID, payload, events.DirectionIncoming, args)
}

// Send pushes a bot message through the outgoing pipeline and records it.
func (b *BotChat) Send(ctx context.Context, conversationID string, payload map[string]any, args MessageArgs) (messages.Message, error) {
	return b.sendMessage(ctx, conversationID, payload, events.DirectionOutgoing, args)
}

func (b *BotChat) sendMessage(ctx context.Context, conversationID string, payload map[string]any, direction events.Direction, args MessageArgs) (messages.Message, error) {
	conversation, err := b.service.conversations.ForBot(b.botID).Get(ctx, conversationID)
	if err != nil {
		return messages.Message{}, fmt.Errorf("resolve conversation %s: %w", conversationID, err)
	}

	channel := args.Channel
	if channel == "" {
		channel, err = b.service.lastChannel(ctx, b.botID, conversation.UserID)
		if err != nil {
			return messages.Message{}, err
		}
		if channel == "" {
			return messages.Message{}, ErrNoChannel
		}
	} else if direction == events.DirectionIncoming {
		if err := b.service.updateLastChannel(ctx, b.botID, conversation.UserID, channel); err != nil {
			return messages.Message{}, err
		}
	}

	eventType, _ := payload["type"].(string)
	event := events.NewEvent(direction, b.botID, channel, conversation.UserID, conversation.ID, eventType, payload)
	if err := b.service.engine.SendEvent(ctx, event); err != nil {
		return messages.Message{}, fmt.Errorf("dispatch %s event: %w", direction, err)
	}

	author := "bot"
	if direction == events.DirectionIncoming {
		author = "user"
	}

	return b.service.messages.ForBot(b.botID).Create(ctx, messages.CreateArgs{
		ConversationID:  conversation.ID,
		Payload:         payload,
		AuthorID:        author,
		EventID:         event.ID,
		IncomingEventID: event.ID,
	})
}
