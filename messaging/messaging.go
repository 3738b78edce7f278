package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownClient = errors.New("unknown messaging client")
	ErrClientClosed  = errors.New("messaging client closed")
)

// Clients lists the messaging clients that can be created by name.
var Clients = []string{}

// Client publishes raw bytes to a broker.
type Client interface {
	String() string
	Channel() string

	Connect(ctx context.Context, clientName string, args map[string]any) error
	Publish(ctx context.Context, channel string, data []byte) error
	Close() error
}

func NewClient(clientType string) (Client, error) {
	switch strings.ToLower(clientType) {
	case "kafka":
		return &KafkaClient{}, nil
	case "nats":
		return &NATSClient{}, nil
	case "redis":
		return &RedisClient{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownClient, clientType)
	}
}

// GetEntry returns the value of key, matched case insensitively.
func GetEntry(m map[string]any, key string) any {
	key = strings.ToLower(key)

	for k, v := range m {
		if strings.ToLower(k) == key {
			return v
		}
	}

	return nil
}

// getString reads a string argument, formatting other scalar values.
func getString(m map[string]any, key string) (string, bool) {
	switch value := GetEntry(m, key).(type) {
	case string:
		return value, true
	case nil:
		return "", false
	default:
		return fmt.Sprint(value), true
	}
}
