package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// Inbound event kinds pushed by the messaging service.
const (
	kindUserCreated         = "user.created"
	kindConversationStarted = "conversation.started"
	kindMessageNew          = "message.new"
	kindMessageFeedback     = "message.feedback"
)

// InboundEvent is the tagged union of events pushed by the messaging
// service. Consumers switch exhaustively over the concrete types.
type InboundEvent interface {
	inboundEvent()
}

// UserCreated signals a brand new end user on some channel.
type UserCreated struct {
	UserID string `json:"userId"`
}

// ConversationStarted signals a user opening a conversation before any
// message is sent.
type ConversationStarted struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
	Channel        string `json:"channel"`
}

// MessageNew carries a message received on a channel. Collect is set when
// the service expects an end-of-turn acknowledgement for it.
type MessageNew struct {
	UserID         string  `json:"userId"`
	ConversationID string  `json:"conversationId"`
	Channel        string  `json:"channel"`
	Collect        bool    `json:"collect"`
	Message        Message `json:"message"`
}

// MessageFeedback carries a user rating on a previously sent message.
type MessageFeedback struct {
	UserID    string `json:"userId"`
	MessageID string `json:"messageId"`
	Feedback  int    `json:"feedback"`
}

func (UserCreated) inboundEvent()         {}
func (ConversationStarted) inboundEvent() {}
func (MessageNew) inboundEvent()          {}
func (MessageFeedback) inboundEvent()     {}

type envelope struct {
	Type     string          `json:"type"`
	ClientID string          `json:"clientId"`
	Data     json.RawMessage `json:"data"`
}

// DecodeEnvelope parses a webhook push body into the client id it targets
// and the typed inbound event it carries.
func DecodeEnvelope(body []byte) (string, InboundEvent, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.ClientID == "" {
		return "", nil, fmt.Errorf("decode envelope: missing client id")
	}

	var event InboundEvent
	switch env.Type {
	case kindUserCreated:
		var data UserCreated
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return "", nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		event = data
	case kindConversationStarted:
		var data ConversationStarted
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return "", nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		event = data
	case kindMessageNew:
		var data MessageNew
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return "", nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		event = data
	case kindMessageFeedback:
		var data MessageFeedback
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return "", nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		event = data
	default:
		return "", nil, fmt.Errorf("decode envelope: unknown event type %q", env.Type)
	}

	return env.ClientID, event, nil
}

// Handler consumes decoded inbound events for one client.
type Handler func(ctx context.Context, clientID string, event InboundEvent) error

// Dispatcher fans decoded inbound events out to the registered handler.
type Dispatcher struct {
	logger *slog.Logger

	mu      sync.RWMutex
	handler Handler
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{logger: log.With(slog.String("component", "messaging_dispatch"))}
}

// Subscribe installs the handler receiving all inbound events.
func (d *Dispatcher) Subscribe(handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = handler
}

// Dispatch hands one decoded event to the handler.
func (d *Dispatcher) Dispatch(ctx context.Context, clientID string, event InboundEvent) error {
	d.mu.RLock()
	handler := d.handler
	d.mu.RUnlock()
	if handler == nil {
		d.logger.Debug("no inbound handler registered, dropping event", slog.String("client_id", clientID))
		return nil
	}
	return handler(ctx, clientID, event)
}
