package chat

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botpress/botpress-sub033/internal/broadcast"
	"github.com/botpress/botpress-sub033/internal/conversations"
	"github.com/botpress/botpress-sub033/internal/events"
	"github.com/botpress/botpress-sub033/internal/messages"
)

type memoryKV struct {
	mu     sync.Mutex
	values map[string]string
	gets   int
	sets   int
}

func newMemoryKV() *memoryKV {
	return &memoryKV{values: map[string]string{}}
}

func (m *memoryKV) Get(ctx context.Context, botID, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	return m.values[botID+"/"+key], nil
}

func (m *memoryKV) Set(ctx context.Context, botID, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets++
	m.values[botID+"/"+key] = value
	return nil
}

type memoryConversationRepo struct {
	mu            sync.Mutex
	conversations map[string]conversations.Conversation
	nextID        int
}

func (m *memoryConversationRepo) Create(ctx context.Context, botID, userID string) (conversations.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conversations == nil {
		m.conversations = map[string]conversations.Conversation{}
	}
	m.nextID++
	conversation := conversations.Conversation{
		ID:        "conv-" + strconv.Itoa(m.nextID),
		BotID:     botID,
		UserID:    userID,
		CreatedAt: time.Now(),
	}
	m.conversations[conversation.ID] = conversation
	return conversation, nil
}

func (m *memoryConversationRepo) Get(ctx context.Context, id string) (conversations.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conversation, ok := m.conversations[id]
	if !ok {
		return conversations.Conversation{}, conversations.ErrNotFound
	}
	return conversation, nil
}

func (m *memoryConversationRepo) List(ctx context.Context, botID, userID string, limit int) ([]conversations.Conversation, error) {
	return nil, nil
}

func (m *memoryConversationRepo) Recent(ctx context.Context, botID, userID string) (conversations.Conversation, error) {
	return conversations.Conversation{}, conversations.ErrNotFound
}

func (m *memoryConversationRepo) Delete(ctx context.Context, id string) (bool, error) {
	return false, nil
}

func (m *memoryConversationRepo) DeleteAll(ctx context.Context, botID, userID string) (int, error) {
	return 0, nil
}

type memoryMessageRepo struct {
	mu       sync.Mutex
	messages []messages.Message
}

func (m *memoryMessageRepo) Create(ctx context.Context, conversationID, eventID, incomingEventID, authorID string, payload map[string]any) (messages.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	message := messages.Message{
		ID:              "msg-" + strconv.Itoa(len(m.messages)+1),
		ConversationID:  conversationID,
		AuthorID:        authorID,
		Payload:         payload,
		EventID:         eventID,
		IncomingEventID: incomingEventID,
		SentAt:          time.Now(),
	}
	m.messages = append(m.messages, message)
	return message, nil
}

func (m *memoryMessageRepo) Get(ctx context.Context, id string) (messages.Message, error) {
	return messages.Message{}, messages.ErrNotFound
}

func (m *memoryMessageRepo) List(ctx context.Context, conversationID string, limit int) ([]messages.Message, error) {
	return nil, nil
}

func (m *memoryMessageRepo) Delete(ctx context.Context, id string) (bool, error) { return false, nil }
func (m *memoryMessageRepo) DeleteAll(ctx context.Context, conversationID string) (int, error) {
	return 0, nil
}

type noopMappings struct{}

func (noopMappings) Create(ctx context.Context, scope, localID, foreignID string) error { return nil }
func (noopMappings) Delete(ctx context.Context, scope, localID string) (bool, error) {
	return false, nil
}
func (noopMappings) ForeignID(ctx context.Context, scope, localID string) (string, error) {
	return "", nil
}
func (noopMappings) LocalID(ctx context.Context, scope, foreignID string) (string, error) {
	return "", nil
}

type chatFixture struct {
	service  *Service
	engine   *events.MemoryEngine
	kv       *memoryKV
	convRepo *memoryConversationRepo
	msgRepo  *memoryMessageRepo
}

func newChatFixture(t *testing.T) *chatFixture {
	t.Helper()

	caster := broadcast.NewLocal(nil)
	convRepo := &memoryConversationRepo{}
	convService, err := conversations.NewService(nil, convRepo, noopMappings{}, caster)
	require.NoError(t, err)

	msgRepo := &memoryMessageRepo{}
	msgService := messages.NewService(nil, msgRepo, convService)

	engine := events.NewMemoryEngine(nil)
	kv := newMemoryKV()
	service, err := NewService(nil, engine, convService, msgService, kv, caster)
	require.NoError(t, err)

	return &chatFixture{service: service, engine: engine, kv: kv, convRepo: convRepo, msgRepo: msgRepo}
}

func TestReceiveRecordsUserMessage(t *testing.T) {
	t.Parallel()

	f := newChatFixture(t)
	ctx := context.Background()
	conversation, err := f.convRepo.Create(ctx, "bot-1", "user-1")
	require.NoError(t, err)

	var dispatched *events.Event
	require.NoError(t, f.engine.Register(events.Middleware{
		Name:      "record",
		Direction: events.DirectionIncoming,
		Order:     1,
		Handler: func(ctx context.Context, event *events.Event, next events.NextFunc) error {
			dispatched = event
			next(nil, true, false)
			return nil
		},
	}))

	message, err := f.service.ForBot("bot-1").Receive(ctx, conversation.ID, map[string]any{"type": "text", "text": "hi"}, MessageArgs{Channel: "telegram"})
	require.NoError(t, err)

	assert.Equal(t, "user", message.AuthorID)
	assert.Equal(t, conversation.ID, message.ConversationID)
	require.NotNil(t, dispatched)
	assert.Equal(t, events.DirectionIncoming, dispatched.Direction)
	assert.Equal(t, "telegram", dispatched.Channel)
	assert.Equal(t, "user-1", dispatched.Target)
	assert.Equal(t, dispatched.ID, message.EventID)
}

func TestSendUsesLastChannelWhenNoneGiven(t *testing.T) {
	t.Parallel()

	f := newChatFixture(t)
	ctx := context.Background()
	conversation, err := f.convRepo.Create(ctx, "bot-1", "user-1")
	require.NoError(t, err)

	// A received message on an explicit channel records it as last channel.
	_, err = f.service.ForBot("bot-1").Receive(ctx, conversation.ID, map[string]any{"type": "text"}, MessageArgs{Channel: "slack"})
	require.NoError(t, err)

	var dispatched *events.Event
	require.NoError(t, f.engine.Register(events.Middleware{
		Name:      "record",
		Direction: events.DirectionOutgoing,
		Order:     1,
		Handler: func(ctx context.Context, event *events.Event, next events.NextFunc) error {
			dispatched = event
			next(nil, true, false)
			return nil
		},
	}))

	message, err := f.service.ForBot("bot-1").Send(ctx, conversation.ID, map[string]any{"type": "text", "text": "reply"}, MessageArgs{})
	require.NoError(t, err)

	assert.Equal(t, "bot", message.AuthorID)
	require.NotNil(t, dispatched)
	assert.Equal(t, "slack", dispatched.Channel)
}

func TestSendWithoutAnyChannelFails(t *testing.T) {
	t.Parallel()

	f := newChatFixture(t)
	ctx := context.Background()
	conversation, err := f.convRepo.Create(ctx, "bot-1", "user-1")
	require.NoError(t, err)

	_, err = f.service.ForBot("bot-1").Send(ctx, conversation.ID, map[string]any{"type": "text"}, MessageArgs{})
	assert.ErrorIs(t, err, ErrNoChannel)
}

func TestSendToUnknownConversationFails(t *testing.T) {
	t.Parallel()

	f := newChatFixture(t)
	_, err := f.service.ForBot("bot-1").Send(context.Background(), "ghost", map[string]any{"type": "text"}, MessageArgs{Channel: "slack"})
	assert.ErrorIs(t, err, conversations.ErrNotFound)
}

func TestLastChannelFallsBackToDurableStore(t *testing.T) {
	t.Parallel()

	f := newChatFixture(t)
	ctx := context.Background()

	// Entry present only in the durable store, as after a process restart.
	require.NoError(t, f.kv.Set(ctx, "bot-1", lastChannelKey("bot-1", "user-1"), "teams", lastChannelTTL))

	channel, err := f.service.lastChannel(ctx, "bot-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, "teams", channel)

	// The read warmed the cache: another read skips the store.
	reads := f.kv.gets
	channel, err = f.service.lastChannel(ctx, "bot-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, "teams", channel)
	assert.Equal(t, reads, f.kv.gets)
}

func TestUpdateLastChannelSkipsAgreeingCache(t *testing.T) {
	t.Parallel()

	f := newChatFixture(t)
	ctx := context.Background()

	require.NoError(t, f.service.updateLastChannel(ctx, "bot-1", "user-1", "telegram"))
	writes := f.kv.sets

	// Same channel again: no durable write, no broadcast.
	require.NoError(t, f.service.updateLastChannel(ctx, "bot-1", "user-1", "telegram"))
	assert.Equal(t, writes, f.kv.sets)

	// A different channel writes through.
	require.NoError(t, f.service.updateLastChannel(ctx, "bot-1", "user-1", "slack"))
	assert.Equal(t, writes+1, f.kv.sets)
}

func TestLastChannelCacheIsBounded(t *testing.T) {
	t.Parallel()

	f := newChatFixture(t)
	cache := f.service.cacheForBot("bot-1")

	cache.Add("first", "telegram")
	for i := 0; i < cacheSize; i++ {
		cache.Add("user-"+strconv.Itoa(i), "slack")
	}

	_, ok := cache.Peek("first")
	assert.False(t, ok, "oldest entry must be evicted at capacity")
}

func TestInboundEventsRefreshLastChannel(t *testing.T) {
	t.Parallel()

	f := newChatFixture(t)
	ctx := context.Background()

	event := events.NewEvent(events.DirectionIncoming, "bot-1", "vonage", "user-1", "conv-1", "text", nil)
	require.NoError(t, f.engine.SendEvent(ctx, event))

	channel, err := f.service.lastChannel(ctx, "bot-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, "vonage", channel)
}
