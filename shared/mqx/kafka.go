package mqx

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"ashen-realm/shared/config"
)

// Producer mirrors domain records to Kafka for consumers outside the realm.
type Producer struct {
	writer *kafka.Writer
	topic  string
}

func NewProducer(cfg config.Config) (*Producer, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required")
	}
	if cfg.KafkaResolutionTopic == "" {
		return nil, errors.New("KAFKA_RESOLUTION_TOPIC is required")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.KafkaBrokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		Async:                  false,
		AllowAutoTopicCreation: true,
		MaxAttempts:            maxInt(cfg.KafkaRetryMax, 1),
		BatchTimeout:           time.Duration(cfg.KafkaWriteMS) * time.Millisecond,
		Transport: &kafka.Transport{
			ClientID: cfg.KafkaClientID,
		},
	}
	return &Producer{writer: w, topic: cfg.KafkaResolutionTopic}, nil
}

func (p *Producer) Topic() string {
	if p == nil {
		return ""
	}
	return p.topic
}

func (p *Producer) Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error {
	if p == nil || p.writer == nil {
		return errors.New("producer not initialized")
	}
	ctx, span := otel.Tracer("mqx").Start(ctx, "kafka.produce")
	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", topic),
	)
	defer span.End()
	msg := kafka.Message{
		Topic: topic,
		Key:   key,
		Value: value,
	}
	if len(headers) > 0 {
		msg.Headers = make([]kafka.Header, 0, len(headers))
		for k, v := range headers {
			msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
		}
	}
	return p.writer.WriteMessages(ctx, msg)
}

// PublishJSON writes v to the producer's topic keyed by key, so records for
// one key stay on one partition.
func (p *Producer) PublishJSON(ctx context.Context, key string, v any, headers map[string]string) error {
	value, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.Publish(ctx, p.Topic(), []byte(key), value, headers)
}

func (p *Producer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

func NewConsumer(cfg config.Config, topic string, groupID string) (*kafka.Reader, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required")
	}
	if groupID == "" {
		return nil, errors.New("consumer group is required")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		GroupID:  groupID,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return reader, nil
}

func maxInt(a int, b int) int {
	if a > b {
		return a
	}
	return b
}
