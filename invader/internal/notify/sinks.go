package notify

import (
	"context"
	"time"

	"ashen-realm/invader/internal/lifecycle"
	"ashen-realm/shared/cachex"
	"ashen-realm/shared/influxx"
)

// Sink delivers one resolution somewhere outside the process.
type Sink interface {
	Name() string
	Send(ctx context.Context, rec lifecycle.Record) error
}

type Emitter interface {
	Emit(ctx context.Context, routingKey string, event any) error
}

// AMQPSink publishes the resolution event on the topic exchange.
type AMQPSink struct {
	bus Emitter
	key string
}

func NewAMQPSink(bus Emitter, routingKey string) *AMQPSink {
	return &AMQPSink{bus: bus, key: routingKey}
}

func (s *AMQPSink) Name() string { return "amqp" }

func (s *AMQPSink) Send(ctx context.Context, rec lifecycle.Record) error {
	return s.bus.Emit(ctx, s.key, rec.Event())
}

type JSONProducer interface {
	PublishJSON(ctx context.Context, key string, v any, headers map[string]string) error
}

// KafkaSink mirrors resolutions to a Kafka topic keyed by invasion id, so one
// invasion always lands on the same partition.
type KafkaSink struct {
	producer JSONProducer
}

func NewKafkaSink(p JSONProducer) *KafkaSink {
	return &KafkaSink{producer: p}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Send(ctx context.Context, rec lifecycle.Record) error {
	return s.producer.PublishJSON(ctx, rec.ID, rec.Event(), map[string]string{
		"event_type": "invasion_resolved",
		"outcome":    string(rec.Outcome),
	})
}

type Cache interface {
	PublishJSON(ctx context.Context, channel string, value any) error
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
}

// RedisSink broadcasts resolutions on a pub/sub channel and refreshes the
// cached stats snapshot.
type RedisSink struct {
	cache Cache
	stats func() lifecycle.Stats
	ttl   time.Duration
}

func NewRedisSink(cache Cache, stats func() lifecycle.Stats, ttl time.Duration) *RedisSink {
	return &RedisSink{cache: cache, stats: stats, ttl: ttl}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Send(ctx context.Context, rec lifecycle.Record) error {
	if err := s.cache.PublishJSON(ctx, cachex.ChannelInvasionResolved, rec.Event()); err != nil {
		return err
	}
	if s.stats == nil {
		return nil
	}
	return s.cache.SetJSON(ctx, cachex.KeyInvasionStats, s.stats(), s.ttl)
}

type PointWriter interface {
	WritePoint(ctx context.Context, measurement string, tags map[string]string, fields map[string]any, ts time.Time) error
}

// InfluxSink records one point per resolution.
type InfluxSink struct {
	writer PointWriter
}

func NewInfluxSink(w PointWriter) *InfluxSink {
	return &InfluxSink{writer: w}
}

func (s *InfluxSink) Name() string { return "influx" }

func (s *InfluxSink) Send(ctx context.Context, rec lifecycle.Record) error {
	tags := map[string]string{
		"outcome":   string(rec.Outcome),
		"zone":      rec.Zone,
		"covenant":  rec.Covenant,
		"synthetic": boolTag(rec.Synthetic),
	}
	fields := map[string]any{
		"duration_ms":        rec.DurationMS,
		"actual_duration_ms": rec.ActualDurationMS,
		"invader":            rec.Invader,
		"target":             rec.Target,
	}
	return s.writer.WritePoint(ctx, influxx.MeasurementInvasionResolution, tags, fields, rec.EndTime)
}

func boolTag(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
