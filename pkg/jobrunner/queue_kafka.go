package jobrunner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaTopic is the topic carrying descriptors of queue.
func KafkaTopic(queue string) string { return "gofleet.tasks." + queue }

// KafkaQueue publishes descriptors to one topic per queue. Offsets are
// committed once the handler claimed (or rejected) the task, giving
// at-least-once delivery; duplicates lose the claim.
type KafkaQueue struct {
	brokers []string
	groupID string
	writer  *kafka.Writer
	logger  *zap.Logger
}

func NewKafkaQueue(brokers []string, groupID string, logger *zap.Logger) *KafkaQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		MaxAttempts:            3,
		WriteTimeout:           10 * time.Second,
		ReadTimeout:            10 * time.Second,
		AllowAutoTopicCreation: true,
	}
	return &KafkaQueue{brokers: brokers, groupID: groupID, writer: w, logger: logger}
}

func (q *KafkaQueue) Publish(ctx context.Context, d Descriptor) error {
	b, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal descriptor: %w", err)
	}
	headers := make(headerCarrier, 0)
	injectTrace(ctx, &headers)

	topic := KafkaTopic(d.Queue)
	err = q.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     []byte(fmt.Sprintf("%d", d.TaskID)),
		Value:   b,
		Headers: []kafka.Header(headers),
		Time:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("kafka publish to %s: %w", topic, err)
	}
	return nil
}

func (q *KafkaQueue) Consume(ctx context.Context, queue string, handler Handler) error {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        q.brokers,
		Topic:          KafkaTopic(queue),
		GroupID:        q.groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
	})
	defer func() { _ = r.Close() }()

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}

		var d Descriptor
		if err := json.Unmarshal(m.Value, &d); err != nil {
			q.logger.Error("malformed descriptor, discarding",
				zap.String("topic", m.Topic),
				zap.Int64("offset", m.Offset),
				zap.Error(err),
			)
			_ = r.CommitMessages(ctx, m)
			continue
		}

		carrier := headerCarrier(m.Headers)
		msgCtx := extractTrace(ctx, &carrier)
		if err := handler(msgCtx, d); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			q.logger.Error("descriptor handler failed, skipping commit",
				zap.String("topic", m.Topic),
				zap.Int64("offset", m.Offset),
				zap.Error(err),
			)
			continue
		}
		if err := r.CommitMessages(ctx, m); err != nil {
			q.logger.Error("failed to commit kafka offset",
				zap.String("topic", m.Topic),
				zap.Int64("offset", m.Offset),
				zap.Error(err),
			)
		}
	}
}

func (q *KafkaQueue) Close() error {
	return q.writer.Close()
}

// headerCarrier adapts Kafka headers to propagation.TextMapCarrier.
type headerCarrier []kafka.Header

func (c headerCarrier) Get(key string) string {
	for _, h := range c {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *headerCarrier) Set(key, value string) {
	filtered := (*c)[:0]
	for _, h := range *c {
		if h.Key != key {
			filtered = append(filtered, h)
		}
	}
	*c = append(filtered, kafka.Header{Key: key, Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, len(c))
	for i, h := range c {
		keys[i] = h.Key
	}
	return keys
}
