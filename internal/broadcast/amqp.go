package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

type amqpEnvelope struct {
	Name       string          `json:"name"`
	InstanceID string          `json:"instanceId"`
	Payload    json.RawMessage `json:"payload"`
	SentAt     time.Time       `json:"sentAt"`
}

// AMQP is the clustered Broadcaster. Every instance binds an exclusive queue
// to a shared fanout exchange; published invocations carry the sender's
// instance id so the sender can skip its own copy (the local handler already
// ran synchronously).
type AMQP struct {
	conn       *amqp091.Connection
	channel    *amqp091.Channel
	exchange   string
	instanceID string
	logger     *slog.Logger

	mu       sync.Mutex
	handlers map[string]HandlerFunc
}

// NewAMQP connects to the broker, declares the fanout exchange, and starts
// consuming peer invocations.
func NewAMQP(log *slog.Logger, url, exchange string) (*AMQP, error) {
	if log == nil {
		log = slog.Default()
	}

	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(exchange, "fanout", false, true, false, false, nil); err != nil {
		conn.Close()
		return nil, err
	}

	queue, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.QueueBind(queue.Name, "", exchange, false, nil); err != nil {
		conn.Close()
		return nil, err
	}
	deliveries, err := ch.Consume(queue.Name, "", true, true, false, false, nil)
	if err != nil {
		conn.Close()
		return nil, err
	}

	b := &AMQP{
		conn:       conn,
		channel:    ch,
		exchange:   exchange,
		instanceID: uuid.NewString(),
		logger:     log.With(slog.String("component", "broadcast")),
		handlers:   map[string]HandlerFunc{},
	}
	go b.consume(deliveries)
	return b, nil
}

// Broadcast registers the handler under name and returns an invoker that
// runs it locally then publishes the invocation to peers.
func (b *AMQP) Broadcast(name string, handler HandlerFunc) (InvokeFunc, error) {
	b.mu.Lock()
	b.handlers[name] = handler
	b.mu.Unlock()

	return func(ctx context.Context, payload []byte) {
		if err := handler(ctx, payload); err != nil {
			b.logger.Warn("broadcast handler failed", slog.String("name", name), slog.Any("error", err))
		}
		b.publish(ctx, name, payload)
	}, nil
}

// Close stops consuming and closes the broker connection.
func (b *AMQP) Close() error {
	return b.conn.Close()
}

func (b *AMQP) publish(ctx context.Context, name string, payload []byte) {
	body, err := json.Marshal(amqpEnvelope{
		Name:       name,
		InstanceID: b.instanceID,
		Payload:    payload,
		SentAt:     time.Now().UTC(),
	})
	if err != nil {
		b.logger.Warn("broadcast encode failed", slog.String("name", name), slog.Any("error", err))
		return
	}

	err = b.channel.PublishWithContext(ctx, b.exchange, "", false, false, amqp091.Publishing{
		ContentType: "application/json",
		MessageId:   uuid.NewString(),
		Timestamp:   time.Now(),
		Body:        body,
	})
	if err != nil {
		b.logger.Warn("broadcast publish failed", slog.String("name", name), slog.Any("error", err))
	}
}

func (b *AMQP) consume(deliveries <-chan amqp091.Delivery) {
	for delivery := range deliveries {
		var env amqpEnvelope
		if err := json.Unmarshal(delivery.Body, &env); err != nil {
			b.logger.Warn("broadcast decode failed", slog.Any("error", err))
			continue
		}
		if env.InstanceID == b.instanceID {
			continue
		}

		b.mu.Lock()
		handler := b.handlers[env.Name]
		b.mu.Unlock()
		if handler == nil {
			continue
		}

		if err := handler(context.Background(), env.Payload); err != nil {
			b.logger.Warn("broadcast handler failed", slog.String("name", env.Name), slog.Any("error", err))
		}
	}
}
