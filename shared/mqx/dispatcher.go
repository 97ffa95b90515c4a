package mqx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"ashen-realm/shared/events"
	"ashen-realm/shared/logx"
	"ashen-realm/shared/metricsx"
	"ashen-realm/shared/observability"
)

const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalQueue = "x-original-queue"
	HeaderLastError     = "x-last-error"
)

// Message is a delivery as handlers see it. Acknowledgement is owned by the dispatcher.
type Message struct {
	Queue         string
	Body          []byte
	MessageID     string
	CorrelationID string
	ReplyTo       string
	Headers       amqp.Table
	Redelivered   bool
	// Attempt starts at 1 and grows with every republish after a handler error.
	Attempt int
}

type HandlerFunc func(ctx context.Context, msg Message) error

// Decode wraps a typed handler. A body that does not decode into T never reaches fn.
func Decode[T any](fn func(ctx context.Context, msg Message, v T) error) HandlerFunc {
	return func(ctx context.Context, msg Message) error {
		var v T
		if err := json.Unmarshal(msg.Body, &v); err != nil {
			return &MalformedMessageError{Queue: msg.Queue, Err: err}
		}
		return fn(ctx, msg, v)
	}
}

// Dispatcher runs every bound handler on one goroutine, so handlers never
// overlap and each queue is handled in delivery order.
type Dispatcher struct {
	m          *Manager
	log        logx.Logger
	maxRetries int
	retryDelay time.Duration

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	queues   []string
}

func NewDispatcher(m *Manager, maxRetries int, log logx.Logger) *Dispatcher {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Dispatcher{
		m:          m,
		log:        log,
		maxRetries: maxRetries,
		retryDelay: time.Second,
		handlers:   map[string]HandlerFunc{},
	}
}

func (d *Dispatcher) Bind(queue string, h HandlerFunc) error {
	if queue == "" || h == nil {
		return errors.New("queue and handler are required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handlers[queue]; ok {
		return fmt.Errorf("%s: %w", queue, ErrAlreadyBound)
	}
	d.handlers[queue] = h
	d.queues = append(d.queues, queue)
	return nil
}

// Run consumes until ctx ends. After a lost connection it waits for the
// manager to reconnect and consumes again.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	queues := append([]string(nil), d.queues...)
	d.mu.Unlock()
	if len(queues) == 0 {
		return errors.New("no queues bound")
	}

	for {
		if err := d.m.WaitConnected(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		err := d.session(ctx, queues)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			d.log.Warn(ctx, "consume_failed", "consumer session ended",
				slog.String("error", err.Error()),
			)
			select {
			case <-time.After(d.retryDelay):
			case <-ctx.Done():
				return nil
			}
		}
	}
}

type inbound struct {
	queue    string
	delivery amqp.Delivery
}

func (d *Dispatcher) session(ctx context.Context, queues []string) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	merged := make(chan inbound)
	lost := make(chan string, len(queues))

	tags := make([]string, 0, len(queues))
	for _, q := range queues {
		tag := q + "-" + uuid.NewString()
		deliveries, err := d.m.Consume(q, ConsumeOptions{Tag: tag})
		if err != nil {
			d.cancelConsumers(tags)
			return err
		}
		tags = append(tags, tag)
		wg.Add(1)
		go func(q string, in <-chan amqp.Delivery) {
			defer wg.Done()
			for {
				select {
				case dl, ok := <-in:
					if !ok {
						lost <- q
						return
					}
					select {
					case merged <- inbound{queue: q, delivery: dl}:
					case <-sctx.Done():
						return
					}
				case <-sctx.Done():
					return
				}
			}
		}(q, deliveries)
	}
	d.log.Info(ctx, "consumer_started", "consuming queues", slog.Any("queues", queues))

	for {
		select {
		case in := <-merged:
			d.handle(ctx, in.queue, in.delivery)
		case q := <-lost:
			d.log.Warn(ctx, "consumer_lost", "delivery channel closed", slog.String("queue", q))
			d.cancelConsumers(tags)
			return nil
		case <-ctx.Done():
			d.cancelConsumers(tags)
			return nil
		}
	}
}

func (d *Dispatcher) cancelConsumers(tags []string) {
	for _, tag := range tags {
		_ = d.m.Cancel(tag)
	}
}

func (d *Dispatcher) handle(ctx context.Context, queue string, dl amqp.Delivery) {
	d.mu.Lock()
	h := d.handlers[queue]
	d.mu.Unlock()

	start := time.Now()
	ctx = observability.ExtractAMQP(ctx, dl.Headers)
	ctx, span := otel.Tracer("mqx").Start(ctx, "amqp.consume", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("messaging.system", "rabbitmq"),
		attribute.String("messaging.source", queue),
		attribute.String("messaging.message_id", dl.MessageId),
	)
	defer span.End()

	msg := Message{
		Queue:         queue,
		Body:          dl.Body,
		MessageID:     dl.MessageId,
		CorrelationID: dl.CorrelationId,
		ReplyTo:       dl.ReplyTo,
		Headers:       dl.Headers,
		Redelivered:   dl.Redelivered,
		Attempt:       retryCount(dl.Headers) + 1,
	}

	var err error
	if !json.Valid(dl.Body) {
		err = &MalformedMessageError{Queue: queue, Err: errors.New("body is not valid JSON")}
	} else {
		err = invoke(ctx, h, msg)
	}
	metricsx.ObserveHandlerLatency(queue, time.Since(start))

	log := d.log.With(slog.String("queue", queue), slog.String("message_id", dl.MessageId))
	switch {
	case err == nil:
		if ackErr := dl.Ack(false); ackErr != nil {
			log.Warn(ctx, "ack_failed", "could not ack delivery", slog.String("error", ackErr.Error()))
		}
		metricsx.IncConsumed(queue, "acked")
	case IsMalformed(err):
		span.SetStatus(codes.Error, "malformed")
		log.Warn(ctx, "message_malformed", "discarding malformed message",
			slog.String("error_code", "INVALID_ARGUMENT"),
			slog.String("error", err.Error()),
		)
		if nackErr := dl.Nack(false, false); nackErr != nil {
			log.Warn(ctx, "nack_failed", "could not reject delivery", slog.String("error", nackErr.Error()))
		}
		metricsx.IncConsumed(queue, "malformed")
	default:
		herr := &HandlerError{Queue: queue, Attempt: msg.Attempt, Err: err}
		span.RecordError(herr)
		span.SetStatus(codes.Error, herr.Error())
		d.retry(ctx, log, dl, msg, herr)
	}
}

// retry republishes a failed delivery with its attempt count, or parks it on
// the dead-letter queue once the retries are spent. The original is acked
// only after the copy has been published.
func (d *Dispatcher) retry(ctx context.Context, log logx.Logger, dl amqp.Delivery, msg Message, herr *HandlerError) {
	retries := msg.Attempt - 1
	target, outcome := msg.Queue, "retried"
	if retries >= d.maxRetries {
		target, outcome = events.DeadLetterQueue(msg.Queue), "dead_lettered"
	}

	headers := amqp.Table{}
	for k, v := range dl.Headers {
		headers[k] = v
	}
	headers[HeaderRetryCount] = int32(retries + 1)
	headers[HeaderOriginalQueue] = msg.Queue
	headers[HeaderLastError] = herr.Err.Error()

	pub := amqp.Publishing{
		Headers:       headers,
		ContentType:   dl.ContentType,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: dl.CorrelationId,
		ReplyTo:       dl.ReplyTo,
		MessageId:     dl.MessageId,
		Timestamp:     dl.Timestamp,
		Type:          dl.Type,
		Body:          dl.Body,
	}
	if err := d.m.Publish(ctx, "", target, pub); err != nil {
		log.Error(ctx, "handler_retry_failed", "could not republish failed message, requeueing",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
			slog.String("handler_error", herr.Error()),
		)
		_ = dl.Nack(false, true)
		metricsx.IncConsumed(msg.Queue, "requeued")
		return
	}
	if err := dl.Ack(false); err != nil {
		log.Warn(ctx, "ack_failed", "could not ack delivery", slog.String("error", err.Error()))
	}
	metricsx.IncConsumed(msg.Queue, outcome)

	if outcome == "dead_lettered" {
		log.Error(ctx, "message_dead_lettered", "handler retries exhausted",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", herr.Error()),
			slog.String("dead_letter_queue", target),
		)
		return
	}
	log.Warn(ctx, "handler_failed", "handler failed, message republished",
		slog.String("error", herr.Error()),
		slog.Int("attempt", msg.Attempt),
	)
}

func invoke(ctx context.Context, h HandlerFunc, msg Message) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return h(ctx, msg)
}

func retryCount(headers amqp.Table) int {
	switch v := headers[HeaderRetryCount].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	default:
		return 0
	}
}
