//go:build integration

package jobrunner

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcKafka "github.com/testcontainers/testcontainers-go/modules/kafka"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startRedis(t *testing.T) redis.UniversalClient {
	t.Helper()
	ctx := context.Background()
	ctr, err := tcRedis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctr.Terminate(ctx) })

	uri, err := ctr.ConnectionString(ctx)
	require.NoError(t, err)
	opts, err := redis.ParseURL(uri)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func startKafka(t *testing.T) []string {
	t.Helper()
	ctx := context.Background()
	ctr, err := tcKafka.Run(ctx, "confluentinc/confluent-local:7.7.1",
		testcontainers.WithWaitStrategy(wait.ForLog("Kafka Server started").WithStartupTimeout(90*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctr.Terminate(ctx) })

	brokers, err := ctr.Brokers(ctx)
	require.NoError(t, err)
	return brokers
}

func createTopic(t *testing.T, broker, topic string) {
	t.Helper()
	conn, err := kafkago.DialContext(context.Background(), "tcp", broker)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.CreateTopics(kafkago.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}))
}

func consumeOne(t *testing.T, q Queue, queue string) Descriptor {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	got := make(chan Descriptor, 1)
	go func() {
		_ = q.Consume(ctx, queue, func(_ context.Context, d Descriptor) error {
			select {
			case got <- d:
			default:
			}
			cancel()
			return nil
		})
	}()

	select {
	case d := <-got:
		return d
	case <-ctx.Done():
		t.Fatal("no descriptor delivered")
		return Descriptor{}
	}
}

func TestRedisQueueDeliversDescriptor(t *testing.T) {
	client := startRedis(t)
	q := NewRedisQueue(client, nil)

	require.NoError(t, q.Publish(context.Background(), Descriptor{TaskID: 41, JobType: "cleanup", Queue: QueueUrgent}))
	require.NoError(t, client.LPush(context.Background(), redisQueuePrefix+QueueUrgent, "not json").Err())
	require.NoError(t, q.Publish(context.Background(), Descriptor{TaskID: 42, JobType: "cleanup", Queue: QueueUrgent}))

	d := consumeOne(t, q, QueueUrgent)
	assert.Equal(t, int64(41), d.TaskID)
	assert.Equal(t, "cleanup", d.JobType)
}

func TestKafkaQueueDeliversDescriptor(t *testing.T) {
	brokers := startKafka(t)
	createTopic(t, brokers[0], KafkaTopic(QueueNormal))

	q := NewKafkaQueue(brokers, "gofleet-workers", nil)
	t.Cleanup(func() { _ = q.Close() })

	require.NoError(t, q.Publish(context.Background(), Descriptor{TaskID: 7, JobType: "update_deployment", Queue: QueueNormal}))

	d := consumeOne(t, q, QueueNormal)
	assert.Equal(t, int64(7), d.TaskID)
	assert.Equal(t, "update_deployment", d.JobType)
}
