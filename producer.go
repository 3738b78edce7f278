package gateway

import (
	"context"
	"slices"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// ProducerPublishTimeout bounds a single publish.
var ProducerPublishTimeout = 5 * time.Second

// Producer publishes encoded events to a message broker.
type Producer interface {
	Publish(ctx context.Context, channel string, data []byte) error
}

// ProducedPayload is the envelope raw dispatch events are forwarded in.
type ProducedPayload struct {
	Type       string              `json:"t"`
	Data       jsoniter.RawMessage `json:"d"`
	Identifier string              `json:"identifier"`
	Sequence   int64               `json:"s"`
	ShardID    int32               `json:"shard_id"`
	ShardTotal int32               `json:"shard_total"`
}

// ProducerHandler forwards raw dispatch events to a Producer. Events without
// a raw payload, such as stage updates, are not forwarded.
type ProducerHandler struct {
	Producer Producer

	// Channel is the topic or subject events are published to.
	Channel string

	// Identifier lets consumers route events of several bots sharing a
	// channel.
	Identifier string

	// Blacklist lists event types that are never forwarded.
	Blacklist []string

	ShardTotal int32
}

func (handler *ProducerHandler) OnRaw(eventContext *EventContext, event *Event) {
	if len(event.Raw) == 0 || slices.Contains(handler.Blacklist, event.Type) {
		return
	}

	data, err := jsoniter.Marshal(ProducedPayload{
		Type:       event.Type,
		Data:       event.Raw,
		Identifier: handler.Identifier,
		Sequence:   event.Sequence,
		ShardID:    int32(eventContext.ShardID),
		ShardTotal: handler.ShardTotal,
	})
	if err != nil {
		eventContext.Logger.Error().Err(err).Str("type", event.Type).Msg("Failed to marshal produced payload")

		return
	}

	ctx, cancel := context.WithTimeout(eventContext, ProducerPublishTimeout)
	defer cancel()

	if err := handler.Producer.Publish(ctx, handler.Channel, data); err != nil {
		eventContext.Logger.Warn().Err(err).Str("type", event.Type).Msg("Failed to publish event")
	}
}

// Wrap installs the handler as the OnRaw callback, calling any existing
// OnRaw callback first.
func (handler *ProducerHandler) Wrap(handlers *EventHandlers) *EventHandlers {
	if handlers == nil {
		handlers = &EventHandlers{}
	}

	previous := handlers.OnRaw

	handlers.OnRaw = func(eventContext *EventContext, event *Event) {
		if previous != nil {
			previous(eventContext, event)
		}

		handler.OnRaw(eventContext, event)
	}

	return handlers
}
