package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/partnerdesk/progression-engine/internal/contracts"
	"github.com/segmentio/kafka-go"
)

// KafkaBus publishes canonical envelopes partitioned by partner id so every
// event for one partner lands on the same partition in order.
type KafkaBus struct {
	writer         *kafka.Writer
	domainTopic    string
	analyticsTopic string
	dlqTopic       string
}

func NewKafkaBus(brokers []string, domainTopic, analyticsTopic, dlqTopic string) (*KafkaBus, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka bus requires at least one broker")
	}
	if domainTopic == "" || analyticsTopic == "" || dlqTopic == "" {
		return nil, fmt.Errorf("kafka bus requires domain, analytics and dlq topics")
	}
	return &KafkaBus{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		},
		domainTopic:    domainTopic,
		analyticsTopic: analyticsTopic,
		dlqTopic:       dlqTopic,
	}, nil
}

func (b *KafkaBus) publish(ctx context.Context, topic, key string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return b.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: raw,
		Time:  time.Now().UTC(),
	})
}

func (b *KafkaBus) PublishDomain(ctx context.Context, envelope contracts.EventEnvelope) error {
	return b.publish(ctx, b.domainTopic, envelope.PartitionKey, envelope)
}

func (b *KafkaBus) PublishAnalytics(ctx context.Context, envelope contracts.EventEnvelope) error {
	return b.publish(ctx, b.analyticsTopic, envelope.PartitionKey, envelope)
}

func (b *KafkaBus) PublishDLQ(ctx context.Context, record contracts.DLQRecord) error {
	return b.publish(ctx, b.dlqTopic, record.OriginalEvent.PartitionKey, record)
}

func (b *KafkaBus) Close() error {
	return b.writer.Close()
}

type KafkaConsumer struct {
	reader *kafka.Reader
}

func NewKafkaConsumer(brokers []string, groupID string, topics []string) (*KafkaConsumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka consumer requires at least one broker")
	}
	if groupID == "" {
		return nil, fmt.Errorf("kafka consumer requires group id")
	}
	if len(topics) == 0 {
		return nil, fmt.Errorf("kafka consumer requires at least one topic")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     groupID,
		GroupTopics: topics,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
	})
	return &KafkaConsumer{reader: reader}, nil
}

func (c *KafkaConsumer) Receive(ctx context.Context) (*contracts.EventEnvelope, error) {
	readCtx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
	msg, err := c.reader.ReadMessage(readCtx)
	cancel()
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return nil, io.EOF
		case errors.Is(err, context.Canceled):
			return nil, ctx.Err()
		default:
			return nil, err
		}
	}
	var envelope contracts.EventEnvelope
	if err := json.Unmarshal(msg.Value, &envelope); err != nil {
		return nil, err
	}
	return &envelope, nil
}

func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}
