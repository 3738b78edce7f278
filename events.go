package gateway

import (
	"fmt"

	"github.com/WelcomerTeam/Discord/discord"
	jsoniter "github.com/json-iterator/go"
)

// ShardID is the 0-based index of a shard.
type ShardID int32

// ShardInfo is the (id, total) pair sent in Identify.
type ShardInfo struct {
	ID    ShardID
	Total int32
}

const (
	EventReady                 = "READY"
	EventResumed               = "RESUMED"
	EventMessageCreate         = "MESSAGE_CREATE"
	EventMessageUpdate         = "MESSAGE_UPDATE"
	EventMessageDelete         = "MESSAGE_DELETE"
	EventMessageReactionAdd    = "MESSAGE_REACTION_ADD"
	EventMessageReactionRemove = "MESSAGE_REACTION_REMOVE"
	EventInteractionCreate     = "INTERACTION_CREATE"
	EventVoiceStateUpdate      = "VOICE_STATE_UPDATE"
	EventVoiceServerUpdate     = "VOICE_SERVER_UPDATE"
	EventGuildMembersChunk     = "GUILD_MEMBERS_CHUNK"

	// EventShardStageUpdate is produced locally whenever a shard changes stage.
	EventShardStageUpdate = "SHARD_STAGE_UPDATE"
)

// Event is one dispatched event. Data holds the typed payload registered for
// Type, or nil when the type is unknown or failed to decode. Raw always holds
// the original JSON.
type Event struct {
	Data     any
	Type     string
	Raw      jsoniter.RawMessage
	Sequence int64

	// DecodeError is set when a registered decoder rejected Raw.
	DecodeError error
}

// ShardStageUpdateEvent reports a shard moving between connection stages.
type ShardStageUpdateEvent struct {
	ShardID ShardID
	Old     ConnectionStage
	New     ConnectionStage
}

// DispatchDecoder turns the data of a dispatch into its typed payload.
type DispatchDecoder func(data jsoniter.RawMessage) (any, error)

var dispatchDecoders = make(map[string]DispatchDecoder)

// RegisterDispatchEvent registers the decoder used for a dispatch type.
func RegisterDispatchEvent(eventType string, decoder DispatchDecoder) {
	dispatchDecoders[eventType] = decoder
}

func decodeAs[T any]() DispatchDecoder {
	return func(data jsoniter.RawMessage) (any, error) {
		value := new(T)

		if len(data) > 0 {
			if err := jsoniter.Unmarshal(data, value); err != nil {
				return nil, err
			}
		}

		return value, nil
	}
}

// decodeDispatch never fails. A payload the registered decoder rejects is
// still delivered untyped so its sequence is not lost.
func decodeDispatch(eventType string, sequence int64, data jsoniter.RawMessage) *Event {
	event := &Event{
		Type:     eventType,
		Sequence: sequence,
		Raw:      data,
	}

	decoder, ok := dispatchDecoders[eventType]
	if !ok {
		return event
	}

	value, err := decoder(data)
	if err != nil {
		event.DecodeError = fmt.Errorf("failed to decode %s: %w", eventType, err)

		return event
	}

	event.Data = value

	return event
}

func init() {
	RegisterDispatchEvent(EventReady, decodeAs[discord.Ready]())
	RegisterDispatchEvent(EventResumed, decodeAs[discord.Resumed]())
	RegisterDispatchEvent(EventMessageCreate, decodeAs[discord.MessageCreate]())
	RegisterDispatchEvent(EventMessageUpdate, decodeAs[discord.MessageUpdate]())
	RegisterDispatchEvent(EventMessageDelete, decodeAs[discord.MessageDelete]())
	RegisterDispatchEvent(EventMessageReactionAdd, decodeAs[discord.MessageReactionAdd]())
	RegisterDispatchEvent(EventMessageReactionRemove, decodeAs[discord.MessageReactionRemove]())
	RegisterDispatchEvent(EventInteractionCreate, decodeAs[discord.InteractionCreate]())
	RegisterDispatchEvent(EventVoiceStateUpdate, decodeAs[discord.VoiceStateUpdate]())
	RegisterDispatchEvent(EventVoiceServerUpdate, decodeAs[discord.VoiceServerUpdate]())
	RegisterDispatchEvent(EventGuildMembersChunk, decodeAs[discord.GuildMembersChunk]())
}
