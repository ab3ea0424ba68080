package jobrunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisQueuePrefix = "gofleet:queue:"

// RedisQueue pushes descriptors onto a Redis list per queue. Delivery is
// at-most-once per pop; a worker that dies after popping leaves the task
// queued in the database, where Requeue picks it up.
type RedisQueue struct {
	client redis.UniversalClient
	block  time.Duration
	logger *zap.Logger
}

func NewRedisQueue(client redis.UniversalClient, logger *zap.Logger) *RedisQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisQueue{client: client, block: time.Second, logger: logger}
}

func (q *RedisQueue) Publish(ctx context.Context, d Descriptor) error {
	b, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal descriptor: %w", err)
	}
	if err := q.client.LPush(ctx, redisQueuePrefix+d.Queue, b).Err(); err != nil {
		return fmt.Errorf("redis lpush %s: %w", d.Queue, err)
	}
	return nil
}

func (q *RedisQueue) Consume(ctx context.Context, queue string, handler Handler) error {
	key := redisQueuePrefix + queue
	for {
		res, err := q.client.BRPop(ctx, q.block, key).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			return fmt.Errorf("redis brpop %s: %w", queue, err)
		}
		// res is [key, value]
		if len(res) != 2 {
			continue
		}
		var d Descriptor
		if err := json.Unmarshal([]byte(res[1]), &d); err != nil {
			q.logger.Error("malformed descriptor, discarding", zap.String("raw", res[1]), zap.Error(err))
			continue
		}
		if err := handler(ctx, d); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (q *RedisQueue) Close() error { return nil }
