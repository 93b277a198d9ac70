package messaging

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"
)

func init() {
	registerProducer("redis", func() Producer { return &RedisProducer{} })
}

// RedisProducer publishes to a redis pub/sub channel.
type RedisProducer struct {
	RedisClient *redis.Client
}

// NewRedisProducer wraps an existing client. Connect is not needed.
func NewRedisProducer(client *redis.Client) *RedisProducer {
	return &RedisProducer{RedisClient: client}
}

func (p *RedisProducer) String() string {
	return "redis"
}

func (p *RedisProducer) Connect(ctx context.Context, _ string, args map[string]any) error {
	address, err := stringArgument(args, "Address")
	if err != nil {
		return fmt.Errorf("redis connect: %w", err)
	}

	password, _ := optionalString(args, "Password")

	var db int

	if dbStr, ok := optionalString(args, "DB"); ok {
		db, err = strconv.Atoi(dbStr)
		if err != nil {
			return fmt.Errorf("redis connect db atoi: %w", err)
		}
	}

	p.RedisClient = redis.NewClient(&redis.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})

	err = p.RedisClient.Ping(ctx).Err()
	if err != nil {
		return fmt.Errorf("redis connect ping: %w", err)
	}

	return nil
}

func (p *RedisProducer) Publish(ctx context.Context, channel string, data []byte) error {
	if p.RedisClient == nil {
		return ErrNotConnected
	}

	return p.RedisClient.Publish(ctx, channel, data).Err()
}

func (p *RedisProducer) Close() error {
	if p.RedisClient == nil {
		return nil
	}

	return p.RedisClient.Close()
}
