// Package events defines the internal event model and the event engine
// surface consumed by the messaging layer.
package events

import (
	"context"

	"github.com/google/uuid"
)

// Direction of an event relative to the bot.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// Flag names carried on events.
const (
	FlagSkipDialogEngine = "skip_dialog_engine"
)

// Event is one unit of traffic through the event engine. Incoming events
// originate from the messaging service, outgoing events from the dialog
// layer on their way back out.
type Event struct {
	ID              string
	BotID           string
	Channel         string
	Target          string
	ThreadID        string
	Type            string
	Direction       Direction
	Payload         map[string]any
	MessageID       string
	IncomingEventID string

	flags map[string]bool
}

// NewEvent builds an event with a fresh id.
func NewEvent(direction Direction, botID, channel, target, threadID, eventType string, payload map[string]any) *Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Event{
		ID:        uuid.NewString(),
		BotID:     botID,
		Channel:   channel,
		Target:    target,
		ThreadID:  threadID,
		Type:      eventType,
		Direction: direction,
		Payload:   payload,
	}
}

// SetFlag sets a named flag on the event.
func (e *Event) SetFlag(name string, value bool) {
	if e.flags == nil {
		e.flags = map[string]bool{}
	}
	e.flags[name] = value
}

// HasFlag reports whether the named flag is set.
func (e *Event) HasFlag(name string) bool {
	return e.flags[name]
}

// NextFunc continues or stops a middleware chain. A middleware must call it
// exactly once: err aborts the chain, success marks the event as handled,
// stop prevents any later middleware from running.
type NextFunc func(err error, success, stop bool)

// HandlerFunc processes one event and signals chain continuation via next.
type HandlerFunc func(ctx context.Context, event *Event, next NextFunc) error

// Middleware is a named, ordered handler registered for one direction.
// Lower orders run first.
type Middleware struct {
	Name        string
	Description string
	Direction   Direction
	Order       int
	Handler     HandlerFunc
}

// IncomingHook observes every incoming event before the middleware chain runs.
type IncomingHook func(ctx context.Context, event *Event) error

// Engine is the event engine collaborator. The messaging layer registers
// outgoing middleware on it, dispatches events through it, and waits on
// outgoing queue drain for turn completion.
type Engine interface {
	Register(mw Middleware) error
	SendEvent(ctx context.Context, event *Event) error
	WaitOutgoingQueueEmpty(ctx context.Context, event *Event) error
	SetOnSendIncoming(hook IncomingHook)
}
