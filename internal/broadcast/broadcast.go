// Package broadcast turns local functions into cluster-wide invocations.
// Delivery to peers is at-least-once and best-effort; handlers must be
// idempotent.
package broadcast

import (
	"context"
	"log/slog"
	"sync"
)

// HandlerFunc handles one broadcast invocation, local or from a peer.
type HandlerFunc func(ctx context.Context, payload []byte) error

// InvokeFunc runs the handler locally and fans the invocation out to every
// other cluster member. It never propagates errors to the caller.
type InvokeFunc func(ctx context.Context, payload []byte)

// Broadcaster registers named handlers and hands back distributed invokers.
type Broadcaster interface {
	Broadcast(name string, handler HandlerFunc) (InvokeFunc, error)
	Close() error
}

// Local is the single-process Broadcaster: invocations only run the local
// handler.
type Local struct {
	logger *slog.Logger

	mu       sync.Mutex
	handlers map[string]HandlerFunc
}

// NewLocal creates a single-process broadcaster.
func NewLocal(log *slog.Logger) *Local {
	if log == nil {
		log = slog.Default()
	}
	return &Local{
		logger:   log.With(slog.String("component", "broadcast")),
		handlers: map[string]HandlerFunc{},
	}
}

// Broadcast registers the handler and returns an invoker that calls it
// directly.
func (l *Local) Broadcast(name string, handler HandlerFunc) (InvokeFunc, error) {
	l.mu.Lock()
	l.handlers[name] = handler
	l.mu.Unlock()

	return func(ctx context.Context, payload []byte) {
		if err := handler(ctx, payload); err != nil {
			l.logger.Warn("broadcast handler failed", slog.String("name", name), slog.Any("error", err))
		}
	}, nil
}

// Close is a no-op for the local broadcaster.
func (l *Local) Close() error {
	return nil
}
