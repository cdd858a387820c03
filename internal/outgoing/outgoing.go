// Package outgoing holds the middleware pipeline dispatching outgoing
// events to the messaging service.
package outgoing

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/botpress/botpress-sub033/internal/events"
	"github.com/botpress/botpress-sub033/internal/gateway"
)

// Middleware names and orders. URL fixing must run before dispatch.
const (
	urlFixerName  = "messaging.fixUrl"
	urlFixerOrder = 99

	dispatchName  = "messaging.sendOut"
	dispatchOrder = 20000
)

// Internal placeholder token that content authors use for self-references.
const botURLToken = "BOT_URL"

var botMediaPattern = regexp.MustCompile(`(?i)^/api/v\d+/bots/[a-z0-9_-]+/media/`)

// NewURLFixer returns the middleware that rewrites internal placeholder
// URLs in outgoing payloads to externally reachable ones. It always lets
// the chain continue.
func NewURLFixer(externalURL string) events.Middleware {
	base := strings.TrimRight(externalURL, "/")
	return events.Middleware{
		Name:        urlFixerName,
		Description: "Fix payload urls before sending them",
		Direction:   events.DirectionOutgoing,
		Order:       urlFixerOrder,
		Handler: func(ctx context.Context, event *events.Event, next events.NextFunc) error {
			for key, value := range event.Payload {
				event.Payload[key] = fixPayloadURLs(value, base)
			}
			next(nil, false, false)
			return nil
		},
	}
}

func fixPayloadURLs(value any, base string) any {
	switch typed := value.(type) {
	case string:
		fixed := strings.ReplaceAll(typed, botURLToken, base)
		if botMediaPattern.MatchString(fixed) {
			fixed = base + fixed
		}
		return fixed
	case map[string]any:
		for key, item := range typed {
			typed[key] = fixPayloadURLs(item, base)
		}
		return typed
	case []any:
		for i, item := range typed {
			typed[i] = fixPayloadURLs(item, base)
		}
		return typed
	default:
		return value
	}
}

// ClientResolver maps a bot to its provisioned messaging client.
type ClientResolver interface {
	ClientForBot(botID string) (string, bool)
}

// CorrelationLookup resolves the collecting external message id for an
// incoming event, if any.
type CorrelationLookup interface {
	Collecting(incomingEventID string) (string, bool)
}

// Dispatcher is the terminal outgoing middleware sending events out through
// the gateway client.
type Dispatcher struct {
	client    *gateway.Client
	bots      ClientResolver
	collector CorrelationLookup
	logger    *slog.Logger
}

// NewDispatcher creates the dispatch middleware owner.
func NewDispatcher(log *slog.Logger, client *gateway.Client, bots ClientResolver, collector CorrelationLookup) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		client:    client,
		bots:      bots,
		collector: collector,
		logger:    log.With(slog.String("component", "messaging_dispatch")),
	}
}

// Middleware returns the dispatch middleware. Unsupported channels stop the
// chain without error; everything else is sent through the gateway client,
// carrying the collecting correlation when one exists.
func (d *Dispatcher) Middleware() events.Middleware {
	return events.Middleware{
		Name:        dispatchName,
		Description: "Sends outgoing messages to the messaging service",
		Direction:   events.DirectionOutgoing,
		Order:       dispatchOrder,
		Handler:     d.handle,
	}
}

func (d *Dispatcher) handle(ctx context.Context, event *events.Event, next events.NextFunc) error {
	if !d.client.IsChannelSupported(event.Channel) {
		next(nil, false, true)
		return nil
	}

	// Retried delivery must not create the message twice.
	if event.MessageID != "" {
		next(nil, true, false)
		return nil
	}

	clientID, ok := d.bots.ClientForBot(event.BotID)
	if !ok {
		next(nil, false, true)
		return nil
	}

	var collecting string
	if event.IncomingEventID != "" {
		collecting, _ = d.collector.Collecting(event.IncomingEventID)
	}

	message, err := d.client.CreateMessage(ctx, clientID, event.ThreadID, "", event.Payload, collecting)
	if err != nil {
		return err
	}
	event.MessageID = message.ID

	next(nil, true, false)
	return nil
}
