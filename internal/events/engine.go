package events

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// MemoryEngine is an in-process Engine. Middleware chains run synchronously
// in order; per-incoming-event outgoing counts back WaitOutgoingQueueEmpty.
type MemoryEngine struct {
	logger *slog.Logger

	mu       sync.Mutex
	incoming []Middleware
	outgoing []Middleware
	hook     IncomingHook
	names    map[string]struct{}

	queueMu sync.Mutex
	pending map[string]int
	drained map[string]chan struct{}
}

// NewMemoryEngine creates an empty in-process engine.
func NewMemoryEngine(log *slog.Logger) *MemoryEngine {
	if log == nil {
		log = slog.Default()
	}
	return &MemoryEngine{
		logger:  log.With(slog.String("component", "event_engine")),
		names:   map[string]struct{}{},
		pending: map[string]int{},
		drained: map[string]chan struct{}{},
	}
}

// Register adds a middleware, keeping each direction sorted by order.
func (e *MemoryEngine) Register(mw Middleware) error {
	if mw.Name == "" {
		return fmt.Errorf("middleware name is required")
	}
	if mw.Handler == nil {
		return fmt.Errorf("middleware handler is required: %s", mw.Name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.names[mw.Name]; exists {
		return fmt.Errorf("middleware already registered: %s", mw.Name)
	}
	e.names[mw.Name] = struct{}{}

	switch mw.Direction {
	case DirectionIncoming:
		e.incoming = insertOrdered(e.incoming, mw)
	case DirectionOutgoing:
		e.outgoing = insertOrdered(e.outgoing, mw)
	default:
		delete(e.names, mw.Name)
		return fmt.Errorf("unknown middleware direction: %s", mw.Direction)
	}
	return nil
}

// SetOnSendIncoming installs the hook observing every incoming event.
func (e *MemoryEngine) SetOnSendIncoming(hook IncomingHook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hook = hook
}

// SendEvent runs the middleware chain for the event's direction. Outgoing
// events tied to an incoming event are tracked for queue-drain waiters.
func (e *MemoryEngine) SendEvent(ctx context.Context, event *Event) error {
	if event == nil {
		return fmt.Errorf("event is nil")
	}

	e.mu.Lock()
	hook := e.hook
	var chain []Middleware
	switch event.Direction {
	case DirectionIncoming:
		chain = append(chain, e.incoming...)
	case DirectionOutgoing:
		chain = append(chain, e.outgoing...)
	default:
		e.mu.Unlock()
		return fmt.Errorf("unknown event direction: %s", event.Direction)
	}
	e.mu.Unlock()

	if event.Direction == DirectionIncoming && hook != nil {
		if err := hook(ctx, event); err != nil {
			e.logger.Warn("incoming hook failed", slog.String("event_id", event.ID), slog.Any("error", err))
		}
	}

	if event.Direction == DirectionOutgoing && event.IncomingEventID != "" {
		e.enqueue(event.IncomingEventID)
		defer e.dequeue(event.IncomingEventID)
	}

	return e.runChain(ctx, chain, event)
}

// WaitOutgoingQueueEmpty blocks until no outgoing event tied to the given
// incoming event is in flight, or the context is done.
func (e *MemoryEngine) WaitOutgoingQueueEmpty(ctx context.Context, event *Event) error {
	for {
		e.queueMu.Lock()
		if e.pending[event.ID] == 0 {
			e.queueMu.Unlock()
			return nil
		}
		ch, ok := e.drained[event.ID]
		if !ok {
			ch = make(chan struct{})
			e.drained[event.ID] = ch
		}
		e.queueMu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *MemoryEngine) runChain(ctx context.Context, chain []Middleware, event *Event) error {
	for _, mw := range chain {
		var nextErr error
		stopped := false
		called := false

		next := func(err error, success, stop bool) {
			called = true
			nextErr = err
			stopped = stop
		}

		if err := mw.Handler(ctx, event, next); err != nil {
			return fmt.Errorf("middleware %s: %w", mw.Name, err)
		}
		if !called {
			// A middleware that never calls next ends the chain silently.
			return nil
		}
		if nextErr != nil {
			return fmt.Errorf("middleware %s: %w", mw.Name, nextErr)
		}
		if stopped {
			return nil
		}
	}
	return nil
}

func (e *MemoryEngine) enqueue(incomingID string) {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	e.pending[incomingID]++
}

func (e *MemoryEngine) dequeue(incomingID string) {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	e.pending[incomingID]--
	if e.pending[incomingID] <= 0 {
		delete(e.pending, incomingID)
		if ch, ok := e.drained[incomingID]; ok {
			close(ch)
			delete(e.drained, incomingID)
		}
	}
}

func insertOrdered(chain []Middleware, mw Middleware) []Middleware {
	chain = append(chain, mw)
	sort.SliceStable(chain, func(i, j int) bool { return chain[i].Order < chain[j].Order })
	return chain
}
