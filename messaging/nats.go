package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
)

func init() {
	Clients = append(Clients, "nats")
}

type NATSClient struct {
	conn *nats.Conn

	channel string
}

func (natsClient *NATSClient) String() string {
	return "nats"
}

func (natsClient *NATSClient) Channel() string {
	return natsClient.channel
}

func (natsClient *NATSClient) Connect(_ context.Context, clientName string, args map[string]any) error {
	address, ok := getString(args, "Address")
	if !ok {
		return errors.New("nats connect: missing Address")
	}

	channel, _ := getString(args, "Channel")
	natsClient.channel = channel

	conn, err := nats.Connect(address, nats.Name(clientName))
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}

	natsClient.conn = conn

	return nil
}

// Publish sends to the subject channel, prefixed with the configured channel
// when one is set.
func (natsClient *NATSClient) Publish(ctx context.Context, channel string, data []byte) error {
	if natsClient.conn == nil {
		return ErrClientClosed
	}

	subject := channel
	if natsClient.channel != "" {
		subject = natsClient.channel + "." + channel
	}

	if err := natsClient.conn.Publish(subject, data); err != nil {
		return err
	}

	return natsClient.conn.FlushWithContext(ctx)
}

func (natsClient *NATSClient) Close() error {
	if natsClient.conn == nil {
		return nil
	}

	natsClient.conn.Close()
	natsClient.conn = nil

	return nil
}
