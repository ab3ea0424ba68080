package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "gofleet:lock:"

// The stored value is "<task id>|<owner>". Release and renew compare the
// whole value so a holder can never touch a lease taken over by someone
// else after expiry.
var (
	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		end
		return 0
	`)

	renewScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		end
		return 0
	`)
)

// RedisBackend keeps leases as expiring Redis keys. Suitable when several
// director processes share a Redis but locks must not add database load.
type RedisBackend struct {
	client redis.UniversalClient
}

func NewRedisBackend(client redis.UniversalClient) *RedisBackend {
	return &RedisBackend{client: client}
}

// NewRedisClient creates a client with the timeouts the director uses.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     10,
	})
}

func redisValue(c Claim) string { return c.TaskID + "|" + c.Owner }

func parseRedisValue(v string) (taskID, owner string) {
	taskID, owner, _ = strings.Cut(v, "|")
	return taskID, owner
}

func (b *RedisBackend) TryAcquire(ctx context.Context, c Claim, ttl time.Duration) (bool, error) {
	ok, err := b.client.SetNX(ctx, redisKeyPrefix+c.Name, redisValue(c), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", c.Name, err)
	}
	return ok, nil
}

func (b *RedisBackend) Renew(ctx context.Context, c Claim, ttl time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, b.client, []string{redisKeyPrefix + c.Name}, redisValue(c), ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("redis renew %s: %w", c.Name, err)
	}
	return n == 1, nil
}

func (b *RedisBackend) Release(ctx context.Context, c Claim) error {
	err := releaseScript.Run(ctx, b.client, []string{redisKeyPrefix + c.Name}, redisValue(c)).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis release %s: %w", c.Name, err)
	}
	return nil
}

func (b *RedisBackend) Holder(ctx context.Context, name string) (*Held, error) {
	key := redisKeyPrefix + name
	v, err := b.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", name, err)
	}
	ttl, err := b.client.PTTL(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis pttl %s: %w", name, err)
	}
	taskID, owner := parseRedisValue(v)
	return &Held{Name: name, TaskID: taskID, Owner: owner, ExpiresAt: time.Now().Add(ttl).UTC()}, nil
}

func (b *RedisBackend) List(ctx context.Context) ([]Held, error) {
	var out []Held
	iter := b.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		h, err := b.Holder(ctx, strings.TrimPrefix(iter.Val(), redisKeyPrefix))
		if err != nil {
			return nil, err
		}
		if h != nil {
			out = append(out, *h)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan locks: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
