package messages

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
)

type fakeMessageRepo struct {
	mu       sync.Mutex
	messages map[string]Message
	nextID   int
}

func newFakeMessageRepo() *fakeMessageRepo {
	return &fakeMessageRepo{messages: map[string]Message{}}
}

func (f *fakeMessageRepo) Create(ctx context.Context, conversationID, eventID, incomingEventID, authorID string, payload map[string]any) (Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	message := Message{
		ID:              "msg-" + strconv.Itoa(f.nextID),
		ConversationID:  conversationID,
		AuthorID:        authorID,
		Payload:         payload,
		EventID:         eventID,
		IncomingEventID: incomingEventID,
		SentAt:          time.Now(),
	}
	f.messages[message.ID] = message
	return message, nil
}

func (f *fakeMessageRepo) Get(ctx context.Context, id string) (Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	message, ok := f.messages[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	return message, nil
}

func (f *fakeMessageRepo) List(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Message
	for _, m := range f.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeMessageRepo) Delete(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.messages[id]; !ok {
		return false, nil
	}
	delete(f.messages, id)
	return true, nil
}

func (f *fakeMessageRepo) DeleteAll(ctx context.Context, conversationID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for id, m := range f.messages {
		if m.ConversationID == conversationID {
			delete(f.messages, id)
			count++
		}
	}
	return count, nil
}

type fakeConversationRepo struct {
	mu            sync.Mutex
	conversations map[string]conversations.Conversation
	nextID        int
}

func newFakeConversationRepo() *fakeConversationRepo {
	return &fakeConversationRepo{conversations: map[string]conversations.Conversation{}}
}

func (f *fakeConversationRepo) Create(ctx context.Context, botID, userID string) (conversations.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	conversation := conversations.Conversation{
		ID:        "conv-" + strconv.Itoa(f.nextID),
		BotID:     botID,
		UserID:    userID,
		CreatedAt: time.Now(),
	}
	f.conversations[conversation.ID] = conversation
	return conversation, nil
}

func (f *fakeConversationRepo) Get(ctx context.Context, id string) (conversations.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conversation, ok := f.conversations[id]
	if !ok {
		return conversations.Conversation{}, conversations.ErrNotFound
	}
	return conversation, nil
}

func (f *fakeConversationRepo) List(ctx context.Context, botID, userID string, limit int) ([]conversations.Conversation, error) {
	return nil, nil
}

func (f *fakeConversationRepo) Recent(ctx context.Context, botID, userID string) (conversations.Conversation, error) {
	return conversations.Conversation{}, conversations.ErrNotFound
}

func (f *fakeConversationRepo) Delete(ctx context.Context, id string) (bool, error) {
	return false, nil
}

func (f *fakeConversationRepo) DeleteAll(ctx context.Context, botID, userID string) (int, error) {
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

func newTestServices(t *testing.T) (*Service, *conversations.Service, *fakeConversationRepo) {
	t.Helper()
	convRepo := newFakeConversationRepo()
	convService, err := conversations.NewService(nil, convRepo, noopMappings{}, broadcast.NewLocal(nil))
	require.NoError(t, err)
	return NewService(nil, newFakeMessageRepo(), convService), convService, convRepo
}

func TestCreatePromotesConversationRecency(t *testing.T) {
	t.Parallel()

	service, convService, convRepo := newTestServices(t)
	ctx := context.Background()

	conversation, err := convRepo.Create(ctx, "bot-1", "user-1")
	require.NoError(t, err)

	message, err := service.ForBot("bot-1").Create(ctx, CreateArgs{
		ConversationID: conversation.ID,
		AuthorID:       "user-1",
		Payload:        map[string]any{"type": "text", "text": "hi"},
		EventID:        "evt-1",
	})
	require.NoError(t, err)
	assert.Equal(t, conversation.ID, message.ConversationID)
	assert.Equal(t, "evt-1", message.EventID)

	// The owning conversation is now the user's most recent one, served from
	// cache without touching the repository.
	recent, err := convService.ForBot("bot-1").Recent(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, conversation.ID, recent.ID)
}

func TestCreateFailsForUnknownConversation(t *testing.T) {
	t.Parallel()

	service, _, _ := newTestServices(t)

	_, err := service.ForBot("bot-1").Create(context.Background(), CreateArgs{
		ConversationID: "ghost",
		Payload:        map[string]any{"type": "text"},
	})
	assert.ErrorIs(t, err, conversations.ErrNotFound)
}

func TestDeleteByIDInvalidatesOwner(t *testing.T) {
	t.Parallel()

	service, convService, convRepo := newTestServices(t)
	ctx := context.Background()
	scoped := service.ForBot("bot-1")

	conversation, err := convRepo.Create(ctx, "bot-1", "user-1")
	require.NoError(t, err)
	message, err := scoped.Create(ctx, CreateArgs{ConversationID: conversation.ID, Payload: map[string]any{"type": "text"}})
	require.NoError(t, err)

	deleted, err := scoped.Delete(ctx, DeleteFilters{ID: message.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = scoped.Get(ctx, message.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// The most-recent cache entry for the owning user is gone: the next
	// Recent read goes back to the repository, which has nothing, so a new
	// conversation is created.
	recent, err := convService.ForBot("bot-1").Recent(ctx, "user-1")
	require.NoError(t, err)
	assert.NotEqual(t, conversation.ID, recent.ID)
}

func TestDeleteUnknownMessageIsNoop(t *testing.T) {
	t.Parallel()

	service, _, _ := newTestServices(t)

	deleted, err := service.ForBot("bot-1").Delete(context.Background(), DeleteFilters{ID: "ghost"})
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestDeleteByConversation(t *testing.T) {
	t.Parallel()

	service, _, convRepo := newTestServices(t)
	ctx := context.Background()
	scoped := service.ForBot("bot-1")

	conversation, err := convRepo.Create(ctx, "bot-1", "user-1")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := scoped.Create(ctx, CreateArgs{ConversationID: conversation.ID, Payload: map[string]any{"type": "text"}})
		require.NoError(t, err)
	}

	deleted, err := scoped.Delete(ctx, DeleteFilters{ConversationID: conversation.ID})
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)
}
