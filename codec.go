package gateway

import (
	"bytes"
	"fmt"
	"io"

	"github.com/WelcomerTeam/Discord/discord"
	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/zlib"
)

// Frame is one message read from a transport.
type Frame struct {
	Data   []byte
	Binary bool
}

// Codec translates between transport frames and gateway events.
type Codec interface {
	Decode(frame Frame) (GatewayEvent, error)
	Encode(op discord.GatewayOp, data any) ([]byte, error)
}

// JSONCodec is the JSON gateway encoding. Binary frames are expected to be
// zlib compressed payloads, as sent when identifying with compress enabled.
type JSONCodec struct{}

var _ Codec = JSONCodec{}

func (JSONCodec) Decode(frame Frame) (GatewayEvent, error) {
	data := frame.Data

	if frame.Binary {
		inflated, err := inflate(data)
		if err != nil {
			return GatewayEvent{}, fmt.Errorf("failed to decompress payload: %w", err)
		}

		data = inflated
	}

	var payload discord.GatewayPayload

	if err := jsoniter.Unmarshal(data, &payload); err != nil {
		return GatewayEvent{}, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	handler, ok := gatewayEvents[payload.Op]
	if !ok {
		return GatewayEvent{}, fmt.Errorf("%w: op %d", ErrNoGatewayHandler, payload.Op)
	}

	return handler(&payload)
}

func (JSONCodec) Encode(op discord.GatewayOp, data any) ([]byte, error) {
	payload, err := jsoniter.Marshal(discord.SentPayload{
		Op:   op,
		Data: data,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	return payload, nil
}

func inflate(data []byte) ([]byte, error) {
	reader, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	defer reader.Close()

	return io.ReadAll(reader)
}
