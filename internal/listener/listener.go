// Package listener translates messaging service push events into internal
// events on the event engine.
package listener

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/botpress/botpress-sub033/internal/events"
	"github.com/botpress/botpress-sub033/internal/gateway"
)

// Event type emitted for conversation-started pushes.
const typeProactiveTrigger = "proactive-trigger"

// BotResolver resolves the bot owning a messaging client id.
type BotResolver interface {
	BotForClient(clientID string) (string, bool)
}

// CorrelationRegistrar records an incoming-event to external-message
// correlation for later turn completion.
type CorrelationRegistrar interface {
	Register(incomingEventID, messageID string)
}

// FeedbackStore records incoming events by external message id and stores
// user feedback against them.
type FeedbackStore interface {
	RecordIncomingEvent(ctx context.Context, eventID, botID, messageID string) error
	FindIncomingEventID(ctx context.Context, botID, messageID string) (string, error)
	SaveFeedback(ctx context.Context, incomingEventID, userID string, feedback int) error
}

// Listener consumes inbound gateway events and forwards them to the engine.
type Listener struct {
	engine    events.Engine
	client    *gateway.Client
	bots      BotResolver
	collector CorrelationRegistrar
	feedback  FeedbackStore
	logger    *slog.Logger

	newUsers         atomic.Int64
	receivedMessages atomic.Int64
}

// New creates a Listener.
func New(log *slog.Logger, engine events.Engine, client *gateway.Client, bots BotResolver, collector CorrelationRegistrar, feedback FeedbackStore) *Listener {
	if log == nil {
		log = slog.Default()
	}
	return &Listener{
		engine:    engine,
		client:    client,
		bots:      bots,
		collector: collector,
		feedback:  feedback,
		logger:    log.With(slog.String("component", "messaging_listener")),
	}
}

// Attach subscribes the listener to a dispatcher.
func (l *Listener) Attach(dispatcher *gateway.Dispatcher) {
	dispatcher.Subscribe(l.Handle)
}

// NewUsersCount returns the rolling new-user counter, optionally resetting it.
func (l *Listener) NewUsersCount(reset bool) int64 {
	if reset {
		return l.newUsers.Swap(0)
	}
	return l.newUsers.Load()
}

// ReceivedMessagesCount returns the rolling message counter, optionally
// resetting it.
func (l *Listener) ReceivedMessagesCount(reset bool) int64 {
	if reset {
		return l.receivedMessages.Swap(0)
	}
	return l.receivedMessages.Load()
}

// Handle routes one inbound gateway event.
func (l *Listener) Handle(ctx context.Context, clientID string, event gateway.InboundEvent) error {
	switch data := event.(type) {
	case gateway.UserCreated:
		l.newUsers.Add(1)
		return nil
	case gateway.ConversationStarted:
		return l.handleConversationStarted(ctx, clientID, data)
	case gateway.MessageNew:
		return l.handleMessageNew(ctx, clientID, data)
	case gateway.MessageFeedback:
		return l.handleMessageFeedback(ctx, clientID, data)
	default:
		return fmt.Errorf("unhandled inbound event type %T", event)
	}
}

func (l *Listener) handleConversationStarted(ctx context.Context, clientID string, data gateway.ConversationStarted) error {
	if !l.client.IsChannelSupported(data.Channel) {
		return nil
	}
	botID, ok := l.bots.BotForClient(clientID)
	if !ok {
		// The client may have been unregistered mid-flight.
		return nil
	}

	event := events.NewEvent(events.DirectionIncoming, botID, data.Channel, data.UserID, data.ConversationID, typeProactiveTrigger, nil)
	event.SetFlag(events.FlagSkipDialogEngine, true)

	return l.engine.SendEvent(ctx, event)
}

func (l *Listener) handleMessageNew(ctx context.Context, clientID string, data gateway.MessageNew) error {
	if !l.client.IsChannelSupported(data.Channel) {
		return nil
	}
	// Messages without an author are echoes of our own outgoing messages.
	if data.Message.AuthorID == "" {
		return nil
	}
	botID, ok := l.bots.BotForClient(clientID)
	if !ok {
		return nil
	}

	eventType, _ := data.Message.Payload["type"].(string)
	event := events.NewEvent(events.DirectionIncoming, botID, data.Channel, data.UserID, data.ConversationID, eventType, data.Message.Payload)
	event.MessageID = data.Message.ID

	l.receivedMessages.Add(1)

	if err := l.feedback.RecordIncomingEvent(ctx, event.ID, botID, data.Message.ID); err != nil {
		l.logger.Warn("record incoming event failed", slog.String("event_id", event.ID), slog.Any("error", err))
	}

	if data.Collect {
		l.collector.Register(event.ID, data.Message.ID)
	}

	return l.engine.SendEvent(ctx, event)
}

func (l *Listener) handleMessageFeedback(ctx context.Context, clientID string, data gateway.MessageFeedback) error {
	botID, ok := l.bots.BotForClient(clientID)
	if !ok {
		return nil
	}

	incomingEventID, err := l.feedback.FindIncomingEventID(ctx, botID, data.MessageID)
	if err != nil {
		return fmt.Errorf("find event for message %s: %w", data.MessageID, err)
	}
	if incomingEventID == "" {
		return nil
	}

	return l.feedback.SaveFeedback(ctx, incomingEventID, data.UserID, data.Feedback)
}
