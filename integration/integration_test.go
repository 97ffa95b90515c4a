//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"ashen-realm/shared/cachex"
	"ashen-realm/shared/config"
	"ashen-realm/shared/events"
	"ashen-realm/shared/logx"
	"ashen-realm/shared/mqx"
)

func loadConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, problems := config.Load("integration", 8080)
	if len(problems) > 0 {
		t.Fatalf("config problems: %v", problems)
	}
	return cfg
}

// TestRequestReplyRoundTrip publishes through a real broker and answers with
// a dispatcher bound to a throwaway queue.
func TestRequestReplyRoundTrip(t *testing.T) {
	if os.Getenv("RABBITMQ_URL") == "" {
		t.Skip("RABBITMQ_URL not set")
	}
	cfg := loadConfig(t)
	suffix := uuid.NewString()[:8]
	queue := "it_messages_" + suffix
	topology := mqx.Topology{
		Exchange:    "it_realm_" + suffix,
		Queues:      []mqx.Binding{{Queue: queue, Key: "messages.*"}},
		DeadLetters: true,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	manager := mqx.NewManager(mqx.Options{URL: cfg.RabbitMQURL, Topology: topology, Prefetch: 1, Logger: logx.Nop()})
	if err := manager.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer manager.Close()
	bus := mqx.NewBus(manager, 5*time.Second, logx.Nop())

	dispatcher := mqx.NewDispatcher(manager, 1, logx.Nop())
	err := dispatcher.Bind(queue, mqx.Decode(func(ctx context.Context, msg mqx.Message, m events.Message) error {
		_, err := bus.Reply(ctx, msg, events.Reply{Response: "heard " + m.Message, Timestamp: time.Now()})
		return err
	}))
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() { _ = dispatcher.Run(runCtx) }()

	reply, err := bus.Request(ctx, queue, events.NewMessage("Solaire", "praise the sun", ""))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var body events.Reply
	if err := reply.Decode(&body); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if body.Response != "heard praise the sun" {
		t.Fatalf("unexpected reply: %#v", body)
	}
	if st := manager.Status(); !st.Connected {
		t.Fatalf("expected connected status, got %#v", st)
	}
}

func TestKafkaResolutionStream(t *testing.T) {
	if os.Getenv("KAFKA_BROKERS") == "" {
		t.Skip("KAFKA_BROKERS not set")
	}
	cfg := loadConfig(t)
	producer, err := mqx.NewProducer(cfg)
	if err != nil {
		t.Fatalf("producer: %v", err)
	}
	defer producer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ev := events.InvasionResolved{ID: events.NewID(), InvasionID: "it-" + uuid.NewString(), Outcome: "DRAW", EndTime: time.Now().UTC()}
	if err := producer.PublishJSON(ctx, ev.InvasionID, ev, map[string]string{"event_type": "invasion_resolved"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	reader, err := mqx.NewConsumer(cfg, producer.Topic(), "it-"+uuid.NewString())
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}
	defer reader.Close()
	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(m.Key) != ev.InvasionID {
			continue
		}
		var got events.InvasionResolved
		if err := json.Unmarshal(m.Value, &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.Outcome != "DRAW" {
			t.Fatalf("unexpected event: %#v", got)
		}
		return
	}
}

func TestRedisResolutionChannel(t *testing.T) {
	if os.Getenv("REDIS_ADDR") == "" {
		t.Skip("REDIS_ADDR not set")
	}
	cfg := loadConfig(t)
	cache, err := cachex.New(cfg)
	if err != nil {
		t.Fatalf("redis: %v", err)
	}
	defer cache.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stream, err := cache.Subscribe(ctx, cachex.ChannelInvasionResolved)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	ev := events.InvasionResolved{ID: events.NewID(), Outcome: "TARGET_VICTORY"}
	if err := cache.PublishJSON(ctx, cachex.ChannelInvasionResolved, ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case payload := <-stream:
		var got events.InvasionResolved
		if err := json.Unmarshal(payload, &got); err != nil || got.ID != ev.ID {
			t.Fatalf("unexpected payload %s: %v", payload, err)
		}
	case <-ctx.Done():
		t.Fatalf("no resolution received")
	}
}

func TestInfluxHealth(t *testing.T) {
	influxURL := os.Getenv("INFLUX_URL")
	if influxURL == "" {
		t.Skip("INFLUX_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, influxURL+"/health", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("influx health failed: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		t.Fatalf("influx health status: %d", resp.StatusCode)
	}
}
