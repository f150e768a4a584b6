package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface{ Ping(ctx context.Context) error }

// RedisPingResult is the minimal return type of a Redis client's Ping.
type RedisPingResult interface{ Err() error }

// RedisClient is the minimal interface for a Redis client needed for readiness.
type RedisClient interface {
	Ping(ctx context.Context) RedisPingResult
}

// KafkaPinger is the minimal interface for a Kafka client capable of Ping.
type KafkaPinger interface{ Ping(ctx context.Context) error }

// BuildReadinessChecks returns three readiness checks: db, redis, and queue.
func BuildReadinessChecks(pool Pinger, rdb RedisClient, queue KafkaPinger) (
	func(ctx context.Context) error,
	func(ctx context.Context) error,
	func(ctx context.Context) error,
) {
	dbCheck := func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db not configured")
		}
		return pool.Ping(ctx)
	}
	redisCheck := func(ctx context.Context) error {
		if rdb == nil {
			return fmt.Errorf("redis not configured")
		}
		return rdb.Ping(ctx).Err()
	}
	queueCheck := func(ctx context.Context) error {
		if queue == nil {
			return fmt.Errorf("queue not configured")
		}
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return queue.Ping(ctx)
	}
	return dbCheck, redisCheck, queueCheck
}

// NewRedisClient parses a redis URL into a client.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("op=app.NewRedisClient: %w", err)
	}
	return redis.NewClient(opts), nil
}

type redisPingAdapter struct{ c *redis.Client }

func (a redisPingAdapter) Ping(ctx context.Context) RedisPingResult { return a.c.Ping(ctx) }

// WrapRedis adapts a go-redis client to the readiness RedisClient interface.
func WrapRedis(c *redis.Client) RedisClient {
	if c == nil {
		return nil
	}
	return redisPingAdapter{c: c}
}

// NewKafkaPinger builds a throwaway client used only for readiness pings.
func NewKafkaPinger(brokers []string) (KafkaPinger, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("op=app.NewKafkaPinger: %w", err)
	}
	return client, nil
}
