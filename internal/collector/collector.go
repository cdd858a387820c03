// Package collector correlates inbound turns with outbound messages and
// signals turn completion to the messaging service.
package collector

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/botpress/botpress-sub033/internal/events"
)

const (
	cacheSize = 5000
	cacheTTL  = 5 * time.Minute
)

// TurnEnder acknowledges a completed turn to the messaging service.
type TurnEnder interface {
	EndTurn(ctx context.Context, clientID, messageID string) error
}

// QueueWaiter blocks until the outgoing queue for an incoming event drains.
type QueueWaiter interface {
	WaitOutgoingQueueEmpty(ctx context.Context, event *events.Event) error
}

// ClientResolver maps a bot to its provisioned messaging client.
type ClientResolver interface {
	ClientForBot(botID string) (string, bool)
}

// Collector holds the bounded incoming-event-id to external-message-id
// correlations and fires end-of-turn acknowledgements. Acknowledgement is
// deliberately detached from the caller: failures are logged and swallowed,
// and the correlation entry is always removed.
type Collector struct {
	cache    *expirable.LRU[string, string]
	ender    TurnEnder
	waiter   QueueWaiter
	resolver ClientResolver
	logger   *slog.Logger
	inflight sync.WaitGroup
}

// New creates a Collector with the bounded correlation cache.
func New(log *slog.Logger, ender TurnEnder, waiter QueueWaiter, resolver ClientResolver) *Collector {
	if log == nil {
		log = slog.Default()
	}
	return &Collector{
		cache:    expirable.NewLRU[string, string](cacheSize, nil, cacheTTL),
		ender:    ender,
		waiter:   waiter,
		resolver: resolver,
		logger:   log.With(slog.String("component", "turn_collector")),
	}
}

// Register stores the correlation between an incoming event and the external
// message that produced it.
func (c *Collector) Register(incomingEventID, messageID string) {
	c.cache.Add(incomingEventID, messageID)
}

// Collecting returns the external message id correlated with the incoming
// event, if any. Absence is not an error; it simply skips turn signaling.
func (c *Collector) Collecting(incomingEventID string) (string, bool) {
	return c.cache.Get(incomingEventID)
}

// InformProcessingDone is called by the dialog pipeline when it finishes an
// incoming event. If the event is being collected, acknowledgement runs as a
// detached task so the caller is never blocked on the outgoing queue.
func (c *Collector) InformProcessingDone(ctx context.Context, event *events.Event) {
	if _, ok := c.cache.Get(event.ID); !ok {
		return
	}

	c.inflight.Add(1)
	detached := context.WithoutCancel(ctx)
	go func() {
		defer c.inflight.Done()
		c.sendProcessingDone(detached, event)
	}()
}

// Flush waits for in-flight acknowledgements. Used on shutdown and in tests.
func (c *Collector) Flush() {
	c.inflight.Wait()
}

func (c *Collector) sendProcessingDone(ctx context.Context, event *events.Event) {
	defer c.cache.Remove(event.ID)

	messageID, ok := c.cache.Get(event.ID)
	if !ok {
		return
	}
	clientID, ok := c.resolver.ClientForBot(event.BotID)
	if !ok {
		c.logger.Warn("no messaging client for bot, skipping end of turn", slog.String("bot_id", event.BotID))
		return
	}

	if err := c.waiter.WaitOutgoingQueueEmpty(ctx, event); err != nil {
		c.logger.Error("failed to inform messaging of completed processing",
			slog.String("event_id", event.ID), slog.Any("error", err))
		return
	}
	if err := c.ender.EndTurn(ctx, clientID, messageID); err != nil {
		c.logger.Error("failed to inform messaging of completed processing",
			slog.String("event_id", event.ID), slog.Any("error", err))
	}
}
