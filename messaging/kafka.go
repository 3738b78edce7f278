package messaging

import (
	"context"
	"errors"
	"strconv"

	"github.com/segmentio/kafka-go"
)

func init() {
	Clients = append(Clients, "kafka")
}

type KafkaClient struct {
	KafkaWriter *kafka.Writer

	channel string
}

func parseKafkaBalancer(balancer string) kafka.Balancer {
	switch balancer {
	case "crc32":
		return &kafka.CRC32Balancer{}
	case "hash":
		return &kafka.Hash{}
	case "murmur2":
		return &kafka.Murmur2Balancer{}
	case "roundrobin":
		return &kafka.RoundRobin{}
	case "leastbytes":
		return &kafka.LeastBytes{}
	default:
		return nil
	}
}

func (kafkaClient *KafkaClient) String() string {
	return "kafka"
}

func (kafkaClient *KafkaClient) Channel() string {
	return kafkaClient.channel
}

// Connect creates the writer. Kafka connections are made lazily on the first
// publish.
func (kafkaClient *KafkaClient) Connect(_ context.Context, clientName string, args map[string]any) error {
	address, ok := getString(args, "Address")
	if !ok {
		return errors.New("kafka connect: missing Address")
	}

	channel, _ := getString(args, "Channel")
	kafkaClient.channel = channel

	balancerName, _ := getString(args, "Balancer")

	asyncValue, _ := getString(args, "Async")
	async, _ := strconv.ParseBool(asyncValue)

	kafkaClient.KafkaWriter = &kafka.Writer{
		Addr:      kafka.TCP(address),
		Balancer:  parseKafkaBalancer(balancerName),
		Async:     async,
		Transport: &kafka.Transport{ClientID: clientName},
	}

	return nil
}

func (kafkaClient *KafkaClient) Publish(ctx context.Context, channel string, data []byte) error {
	if kafkaClient.KafkaWriter == nil {
		return ErrClientClosed
	}

	return kafkaClient.KafkaWriter.WriteMessages(
		ctx,
		kafka.Message{
			Topic: channel,
			Value: data,
		},
	)
}

func (kafkaClient *KafkaClient) Close() error {
	if kafkaClient.KafkaWriter == nil {
		return nil
	}

	err := kafkaClient.KafkaWriter.Close()
	kafkaClient.KafkaWriter = nil

	return err
}
