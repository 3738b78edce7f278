package gateway

import (
	"fmt"
	"time"

	"github.com/WelcomerTeam/Discord/discord"
	jsoniter "github.com/json-iterator/go"
)

// GatewayEventKind identifies the variant of a GatewayEvent.
type GatewayEventKind int

const (
	GatewayEventDispatch GatewayEventKind = iota
	GatewayEventHeartbeat
	GatewayEventReconnect
	GatewayEventInvalidSession
	GatewayEventHello
	GatewayEventHeartbeatAck
)

func (kind GatewayEventKind) String() string {
	return []string{
		"Dispatch",
		"Heartbeat",
		"Reconnect",
		"InvalidSession",
		"Hello",
		"HeartbeatAck",
	}[kind]
}

// GatewayEvent is one decoded inbound frame.
type GatewayEvent struct {
	// Event is set for dispatches.
	Event *Event

	// HeartbeatInterval is set for Hello.
	HeartbeatInterval time.Duration

	// Sequence is set for dispatches.
	Sequence int64

	Kind GatewayEventKind

	// Resumable is set for InvalidSession.
	Resumable bool
}

type GatewayHandler func(payload *discord.GatewayPayload) (GatewayEvent, error)

var gatewayEvents = make(map[discord.GatewayOp]GatewayHandler)

func RegisterGatewayEvent(op discord.GatewayOp, handler GatewayHandler) {
	gatewayEvents[op] = handler
}

func gatewayOpDispatch(payload *discord.GatewayPayload) (GatewayEvent, error) {
	sequence := int64(payload.Sequence)

	return GatewayEvent{
		Kind:     GatewayEventDispatch,
		Sequence: sequence,
		Event:    decodeDispatch(payload.Type, sequence, payload.Data),
	}, nil
}

func gatewayOpHeartbeat(_ *discord.GatewayPayload) (GatewayEvent, error) {
	return GatewayEvent{Kind: GatewayEventHeartbeat}, nil
}

func gatewayOpReconnect(_ *discord.GatewayPayload) (GatewayEvent, error) {
	return GatewayEvent{Kind: GatewayEventReconnect}, nil
}

func gatewayOpInvalidSession(payload *discord.GatewayPayload) (GatewayEvent, error) {
	var resumable bool

	if len(payload.Data) > 0 {
		if err := jsoniter.Unmarshal(payload.Data, &resumable); err != nil {
			return GatewayEvent{}, fmt.Errorf("failed to unmarshal invalid session: %w", err)
		}
	}

	return GatewayEvent{Kind: GatewayEventInvalidSession, Resumable: resumable}, nil
}

func gatewayOpHello(payload *discord.GatewayPayload) (GatewayEvent, error) {
	var hello discord.Hello

	if err := jsoniter.Unmarshal(payload.Data, &hello); err != nil {
		return GatewayEvent{}, fmt.Errorf("failed to unmarshal hello: %w", err)
	}

	if hello.HeartbeatInterval <= 0 {
		return GatewayEvent{}, ErrShardInvalidHeartbeatInterval
	}

	return GatewayEvent{
		Kind:              GatewayEventHello,
		HeartbeatInterval: time.Duration(hello.HeartbeatInterval) * time.Millisecond,
	}, nil
}

func gatewayOpHeartbeatAck(_ *discord.GatewayPayload) (GatewayEvent, error) {
	return GatewayEvent{Kind: GatewayEventHeartbeatAck}, nil
}

func init() {
	RegisterGatewayEvent(discord.GatewayOpDispatch, gatewayOpDispatch)
	RegisterGatewayEvent(discord.GatewayOpHeartbeat, gatewayOpHeartbeat)
	RegisterGatewayEvent(discord.GatewayOpReconnect, gatewayOpReconnect)
	RegisterGatewayEvent(discord.GatewayOpInvalidSession, gatewayOpInvalidSession)
	RegisterGatewayEvent(discord.GatewayOpHello, gatewayOpHello)
	RegisterGatewayEvent(discord.GatewayOpHeartbeatACK, gatewayOpHeartbeatAck)
}
