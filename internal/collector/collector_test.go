package collector

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botpress/botpress-sub033/internal/events"
)

type fakeEnder struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeEnder) EndTurn(ctx context.Context, clientID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, clientID+"/"+messageID)
	return f.err
}

func (f *fakeEnder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeWaiter struct {
	err error
}

func (f fakeWaiter) WaitOutgoingQueueEmpty(ctx context.Context, event *events.Event) error {
	return f.err
}

type fakeResolver map[string]string

func (f fakeResolver) ClientForBot(botID string) (string, bool) {
	id, ok := f[botID]
	return id, ok
}

func incomingEvent() *events.Event {
	return events.NewEvent(events.DirectionIncoming, "bot-1", "telegram", "user-1", "conv-1", "text", nil)
}

func TestEndTurnFiredOnceAndEntryRemoved(t *testing.T) {
	t.Parallel()

	ender := &fakeEnder{}
	c := New(nil, ender, fakeWaiter{}, fakeResolver{"bot-1": "client-1"})

	event := incomingEvent()
	c.Register(event.ID, "m1")

	got, ok := c.Collecting(event.ID)
	require.True(t, ok)
	assert.Equal(t, "m1", got)

	c.InformProcessingDone(context.Background(), event)
	c.Flush()

	require.Equal(t, 1, ender.count())
	assert.Equal(t, "client-1/m1", ender.calls[0])

	_, ok = c.Collecting(event.ID)
	assert.False(t, ok, "correlation entry must be removed after acknowledgement")

	// A second completion for the same event is a no-op.
	c.InformProcessingDone(context.Background(), event)
	c.Flush()
	assert.Equal(t, 1, ender.count())
}

func TestEntryRemovedWhenEndTurnFails(t *testing.T) {
	t.Parallel()

	ender := &fakeEnder{err: errors.New("unreachable")}
	c := New(nil, ender, fakeWaiter{}, fakeResolver{"bot-1": "client-1"})

	event := incomingEvent()
	c.Register(event.ID, "m1")
	c.InformProcessingDone(context.Background(), event)
	c.Flush()

	assert.Equal(t, 1, ender.count())
	_, ok := c.Collecting(event.ID)
	assert.False(t, ok, "entry must be removed even when acknowledgement fails")
}

func TestEntryRemovedWhenQueueWaitFails(t *testing.T) {
	t.Parallel()

	ender := &fakeEnder{}
	c := New(nil, ender, fakeWaiter{err: context.DeadlineExceeded}, fakeResolver{"bot-1": "client-1"})

	event := incomingEvent()
	c.Register(event.ID, "m1")
	c.InformProcessingDone(context.Background(), event)
	c.Flush()

	assert.Equal(t, 0, ender.count(), "end turn must not fire when the queue never drains")
	_, ok := c.Collecting(event.ID)
	assert.False(t, ok)
}

func TestUncollectedEventIsIgnored(t *testing.T) {
	t.Parallel()

	ender := &fakeEnder{}
	c := New(nil, ender, fakeWaiter{}, fakeResolver{"bot-1": "client-1"})

	c.InformProcessingDone(context.Background(), incomingEvent())
	c.Flush()
	assert.Equal(t, 0, ender.count())
}

func TestUnknownBotSkipsEndTurn(t *testing.T) {
	t.Parallel()

	ender := &fakeEnder{}
	c := New(nil, ender, fakeWaiter{}, fakeResolver{})

	event := incomingEvent()
	c.Register(event.ID, "m1")
	c.InformProcessingDone(context.Background(), event)
	c.Flush()

	assert.Equal(t, 0, ender.count())
	_, ok := c.Collecting(event.ID)
	assert.False(t, ok)
}

func TestCorrelationCacheIsBounded(t *testing.T) {
	t.Parallel()

	c := New(nil, &fakeEnder{}, fakeWaiter{}, fakeResolver{})

	c.Register("first", "m-first")
	for i := 0; i < cacheSize; i++ {
		c.Register("evict-"+strconv.Itoa(i), "m")
	}

	_, ok := c.Collecting("first")
	assert.False(t, ok, "oldest entry must be evicted at capacity")
}
