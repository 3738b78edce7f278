package messaging

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"
)

func init() {
	Clients = append(Clients, "redis")
}

type RedisClient struct {
	redisClient *redis.Client

	channel string
}

func (redisClient *RedisClient) String() string {
	return "redis"
}

func (redisClient *RedisClient) Channel() string {
	return redisClient.channel
}

func (redisClient *RedisClient) Connect(ctx context.Context, clientName string, args map[string]any) error {
	address, ok := getString(args, "Address")
	if !ok {
		return errors.New("redis connect: missing Address")
	}

	password, _ := getString(args, "Password")
	channel, _ := getString(args, "Channel")

	var db int

	if dbValue, ok := getString(args, "DB"); ok {
		var err error

		db, err = strconv.Atoi(dbValue)
		if err != nil {
			return fmt.Errorf("redis connect db atoi: %w", err)
		}
	}

	redisClient.channel = channel
	redisClient.redisClient = redis.NewClient(&redis.Options{
		Addr:     address,
		Password: password,
		DB:       db,
		OnConnect: func(ctx context.Context, conn *redis.Conn) error {
			return conn.ClientSetName(ctx, clientName).Err()
		},
	})

	if err := redisClient.redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connect ping: %w", err)
	}

	return nil
}

func (redisClient *RedisClient) Publish(ctx context.Context, channel string, data []byte) error {
	if redisClient.redisClient == nil {
		return ErrClientClosed
	}

	return redisClient.redisClient.Publish(ctx, channel, data).Err()
}

func (redisClient *RedisClient) Close() error {
	if redisClient.redisClient == nil {
		return nil
	}

	err := redisClient.redisClient.Close()
	redisClient.redisClient = nil

	return err
}
