package mqx

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"ashen-realm/shared/logx"
	"ashen-realm/shared/metricsx"
)

// Identified events carry a producer-assigned id used as the AMQP message id.
type Identified interface {
	EventID() string
}

// Reply is the first correlated message received by Request.
type Reply struct {
	CorrelationID string
	Body          []byte
}

func (r Reply) Decode(v any) error {
	return json.Unmarshal(r.Body, v)
}

type Bus struct {
	m            *Manager
	replyTimeout time.Duration
	log          logx.Logger
}

func NewBus(m *Manager, replyTimeout time.Duration, log logx.Logger) *Bus {
	if replyTimeout <= 0 {
		replyTimeout = 5 * time.Second
	}
	return &Bus{m: m, replyTimeout: replyTimeout, log: log}
}

func (b *Bus) Manager() *Manager { return b.m }

// Send publishes event to queue through the default exchange.
func (b *Bus) Send(ctx context.Context, queue string, event any) error {
	msg, err := encode(event)
	if err != nil {
		return err
	}
	return b.m.Publish(ctx, "", queue, msg)
}

// Emit publishes event on the topic exchange.
func (b *Bus) Emit(ctx context.Context, routingKey string, event any) error {
	msg, err := encode(event)
	if err != nil {
		return err
	}
	return b.m.Publish(ctx, b.m.Exchange(), routingKey, msg)
}

// Request sends event to queue and waits for the reply carrying the same
// correlation id. Replies with other ids are dropped. The private reply queue
// goes away with its consumer.
func (b *Bus) Request(ctx context.Context, queue string, event any) (Reply, error) {
	msg, err := encode(event)
	if err != nil {
		return Reply{}, err
	}
	replyQueue, err := b.m.DeclareReplyQueue()
	if err != nil {
		return Reply{}, err
	}
	tag := "reply-" + uuid.NewString()
	deliveries, err := b.m.Consume(replyQueue, ConsumeOptions{Tag: tag, AutoAck: true, Exclusive: true})
	if err != nil {
		return Reply{}, err
	}
	defer func() { _ = b.m.Cancel(tag) }()

	correlationID := uuid.NewString()
	msg.ReplyTo = replyQueue
	msg.CorrelationId = correlationID
	if err := b.m.Publish(ctx, "", queue, msg); err != nil {
		return Reply{}, err
	}

	timer := time.NewTimer(b.replyTimeout)
	defer timer.Stop()
	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return Reply{}, fmt.Errorf("reply queue closed: %w", ErrNotConnected)
			}
			if d.CorrelationId != correlationID {
				b.log.Debug(ctx, "reply_mismatch", "dropping reply with foreign correlation id",
					slog.String("correlation_id", d.CorrelationId),
				)
				continue
			}
			return Reply{CorrelationID: d.CorrelationId, Body: d.Body}, nil
		case <-timer.C:
			metricsx.IncReplyTimeout()
			return Reply{}, ErrReplyTimeout
		case <-ctx.Done():
			return Reply{}, ctx.Err()
		}
	}
}

// Reply answers msg on its reply queue with the original correlation id.
// It reports false when msg did not ask for a reply.
func (b *Bus) Reply(ctx context.Context, msg Message, body any) (bool, error) {
	if msg.ReplyTo == "" {
		return false, nil
	}
	out, err := encode(body)
	if err != nil {
		return false, err
	}
	out.CorrelationId = msg.CorrelationID
	out.DeliveryMode = amqp.Transient
	if err := b.m.Publish(ctx, "", msg.ReplyTo, out); err != nil {
		return false, err
	}
	return true, nil
}

func encode(event any) (amqp.Publishing, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encode event: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	}
	if ev, ok := event.(Identified); ok {
		msg.MessageId = ev.EventID()
	}
	return msg, nil
}
