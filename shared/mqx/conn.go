package mqx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"ashen-realm/shared/logx"
	"ashen-realm/shared/metricsx"
	"ashen-realm/shared/observability"
)

type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateFailed       State = "FAILED"
)

// Channel is the part of *amqp.Channel the manager uses.
type Channel interface {
	Qos(prefetchCount int, prefetchSize int, global bool) error
	ExchangeDeclare(name string, kind string, durable bool, autoDelete bool, internal bool, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable bool, autoDelete bool, exclusive bool, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name string, key string, exchange string, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange string, key string, mandatory bool, immediate bool, msg amqp.Publishing) error
	Consume(queue string, consumer string, autoAck bool, exclusive bool, noLocal bool, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

type Dialer func(endpoint string) (Connection, error)

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// DialAMQP is the production dialer.
func DialAMQP(endpoint string) (Connection, error) {
	conn, err := amqp.DialConfig(endpoint, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
	})
	if err != nil {
		return nil, err
	}
	return amqpConnection{Connection: conn}, nil
}

type Options struct {
	URL          string
	Topology     Topology
	Prefetch     int
	Reconnect    bool
	ReconnectMax time.Duration
	Dial         Dialer
	// NewBackOff overrides the reconnect schedule.
	NewBackOff func() backoff.BackOff
	Logger     logx.Logger
}

type Status struct {
	Connected bool   `json:"connected"`
	State     State  `json:"state"`
	Endpoint  string `json:"endpoint"`
	Exchange  string `json:"exchange"`
}

type ConsumeOptions struct {
	Tag       string
	AutoAck   bool
	Exclusive bool
}

// Manager owns the single broker connection and channel of a process.
type Manager struct {
	opts Options
	log  logx.Logger

	connectMu sync.Mutex
	publishMu sync.Mutex

	mu      sync.RWMutex
	state   State
	conn    Connection
	ch      Channel
	closed  bool
	changed chan struct{}
	done    chan struct{}
}

func NewManager(opts Options) *Manager {
	if opts.Dial == nil {
		opts.Dial = DialAMQP
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = 1
	}
	return &Manager{
		opts:    opts,
		log:     opts.Logger,
		state:   StateDisconnected,
		changed: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Connect dials the broker, opens the channel and declares the topology.
// Calling it while connected is a no-op.
func (m *Manager) Connect(ctx context.Context) error {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	conn, ch, closeNotify, err := m.open(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.setStateLocked(StateDisconnected)
		return err
	}
	if m.closed {
		_ = ch.Close()
		_ = conn.Close()
		return ErrClosed
	}
	m.conn, m.ch = conn, ch
	m.setStateLocked(StateConnected)
	go m.watch(ch, closeNotify)

	m.log.Info(ctx, "broker_connected", "connected to broker",
		slog.String("endpoint", redact(m.opts.URL)),
		slog.String("exchange", m.opts.Topology.Exchange),
	)
	return nil
}

func (m *Manager) open(ctx context.Context) (Connection, Channel, <-chan *amqp.Error, error) {
	endpoint := redact(m.opts.URL)
	if err := ctx.Err(); err != nil {
		return nil, nil, nil, &ConnectionError{Endpoint: endpoint, Op: "dial", Err: err}
	}
	conn, err := m.opts.Dial(m.opts.URL)
	if err != nil {
		return nil, nil, nil, &ConnectionError{Endpoint: endpoint, Op: "dial", Err: err}
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, nil, &ConnectionError{Endpoint: endpoint, Op: "open channel", Err: err}
	}
	if err := ch.Qos(m.opts.Prefetch, 0, false); err != nil {
		_ = conn.Close()
		return nil, nil, nil, &ConnectionError{Endpoint: endpoint, Op: "qos", Err: err}
	}
	if err := m.opts.Topology.Declare(ch); err != nil {
		_ = conn.Close()
		return nil, nil, nil, &ConnectionError{Endpoint: endpoint, Op: "declare topology", Err: err}
	}

	// either the connection or the channel closing ends this session
	notify := make(chan *amqp.Error, 1)
	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		var reason *amqp.Error
		select {
		case reason = <-connClosed:
		case reason = <-chClosed:
		}
		notify <- reason
	}()
	return conn, ch, notify, nil
}

func (m *Manager) watch(ch Channel, closeNotify <-chan *amqp.Error) {
	var reason *amqp.Error
	select {
	case reason = <-closeNotify:
	case <-m.done:
		return
	}

	m.mu.Lock()
	if m.closed || m.ch != ch {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.conn, m.ch = nil, nil
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()
	_ = conn.Close()

	attrs := []slog.Attr{slog.String("endpoint", redact(m.opts.URL))}
	if reason != nil {
		attrs = append(attrs, slog.Int("reply_code", reason.Code), slog.String("reason", reason.Reason))
	}
	m.log.Warn(context.Background(), "broker_disconnected", "broker connection lost", attrs...)

	if m.opts.Reconnect {
		go m.reconnect()
	}
}

func (m *Manager) reconnect() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-m.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	var b backoff.BackOff
	if m.opts.NewBackOff != nil {
		b = m.opts.NewBackOff()
	} else {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = 500 * time.Millisecond
		eb.MaxInterval = 10 * time.Second
		eb.MaxElapsedTime = m.opts.ReconnectMax
		b = eb
	}

	op := func() error {
		err := m.Connect(ctx)
		if errors.Is(err, ErrClosed) {
			return backoff.Permanent(err)
		}
		if err != nil {
			metricsx.IncBrokerReconnect("error")
			return err
		}
		metricsx.IncBrokerReconnect("ok")
		return nil
	}
	notify := func(err error, wait time.Duration) {
		m.log.Warn(ctx, "broker_reconnect_retry", "reconnect attempt failed",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", wait),
		)
	}
	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
	if err == nil || errors.Is(err, ErrClosed) {
		return
	}

	m.mu.Lock()
	if !m.closed {
		m.setStateLocked(StateFailed)
	}
	m.mu.Unlock()
	m.log.Error(ctx, "broker_reconnect_failed", "giving up on broker reconnect",
		slog.String("error_code", "FAILED_PRECONDITION"),
		slog.String("error", err.Error()),
	)
}

// setStateLocked wakes every WaitConnected caller. m.mu must be held.
func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	close(m.changed)
	m.changed = make(chan struct{})
	metricsx.SetBrokerConnected(s == StateConnected)
}

// WaitConnected blocks until the manager is connected. It fails when the
// manager is closed, reconnecting has been abandoned or ctx ends.
func (m *Manager) WaitConnected(ctx context.Context) error {
	for {
		m.mu.RLock()
		state, closed, changed := m.state, m.closed, m.changed
		m.mu.RUnlock()
		switch {
		case closed:
			return ErrClosed
		case state == StateConnected:
			return nil
		case state == StateFailed:
			return fmt.Errorf("reconnect abandoned: %w", ErrNotConnected)
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Manager) channel() (Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateConnected || m.ch == nil {
		return nil, ErrNotConnected
	}
	return m.ch, nil
}

// Publish hands msg to the client library. It does not wait for broker confirms.
func (m *Manager) Publish(ctx context.Context, exchange string, routingKey string, msg amqp.Publishing) error {
	ch, err := m.channel()
	if err != nil {
		metricsx.IncPublished(routingKey, err)
		return err
	}
	ctx, span := otel.Tracer("mqx").Start(ctx, "amqp.publish", trace.WithSpanKind(trace.SpanKindProducer))
	span.SetAttributes(
		attribute.String("messaging.system", "rabbitmq"),
		attribute.String("messaging.destination", exchange),
		attribute.String("messaging.rabbitmq.routing_key", routingKey),
	)
	defer span.End()

	if msg.DeliveryMode == 0 {
		msg.DeliveryMode = amqp.Persistent
	}
	if msg.ContentType == "" {
		msg.ContentType = "application/json"
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	msg.Headers = observability.InjectAMQP(ctx, msg.Headers)

	m.publishMu.Lock()
	err = ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg)
	m.publishMu.Unlock()
	metricsx.IncPublished(routingKey, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, amqp.ErrClosed) {
			return fmt.Errorf("publish %s: %w", routingKey, ErrNotConnected)
		}
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	return nil
}

func (m *Manager) Consume(queue string, opts ConsumeOptions) (<-chan amqp.Delivery, error) {
	ch, err := m.channel()
	if err != nil {
		return nil, err
	}
	deliveries, err := ch.Consume(queue, opts.Tag, opts.AutoAck, opts.Exclusive, false, false, nil)
	if errors.Is(err, amqp.ErrClosed) {
		return nil, fmt.Errorf("consume %s: %w", queue, ErrNotConnected)
	}
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", queue, err)
	}
	return deliveries, nil
}

func (m *Manager) Cancel(tag string) error {
	ch, err := m.channel()
	if err != nil {
		return err
	}
	return ch.Cancel(tag, false)
}

func (m *Manager) DeclareQueue(name string) error {
	ch, err := m.channel()
	if err != nil {
		return err
	}
	_, err = ch.QueueDeclare(name, true, false, false, false, nil)
	return err
}

func (m *Manager) BindQueue(queue string, routingKey string) error {
	ch, err := m.channel()
	if err != nil {
		return err
	}
	return ch.QueueBind(queue, routingKey, m.opts.Topology.Exchange, false, nil)
}

// DeclareReplyQueue creates a server-named queue private to this connection.
func (m *Manager) DeclareReplyQueue() (string, error) {
	ch, err := m.channel()
	if err != nil {
		return "", err
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return "", fmt.Errorf("declare reply queue: %w", err)
	}
	return q.Name, nil
}

func (m *Manager) Exchange() string {
	return m.opts.Topology.Exchange
}

// Close releases the channel and then the connection. Reconnecting stops.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.done)
	ch, conn := m.ch, m.conn
	m.ch, m.conn = nil, nil
	m.setStateLocked(StateDisconnected)
	close(m.changed)
	m.changed = make(chan struct{})
	m.mu.Unlock()

	var errs []error
	if ch != nil {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Status{
		Connected: m.state == StateConnected,
		State:     m.state,
		Endpoint:  redact(m.opts.URL),
		Exchange:  m.opts.Topology.Exchange,
	}
}

func redact(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "invalid"
	}
	return u.Redacted()
}
