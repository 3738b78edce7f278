package gateway

import (
	"github.com/WelcomerTeam/Discord/discord"
)

// gateway_payloads.go holds the gateway commands and constants that the
// discord package does not model the way the runner sends them.

// CloseNormalClosure ends the session. Discord will not accept a resume after it.
const CloseNormalClosure = 1000

// PresenceStatusInvisible is sent in place of offline, which bots cannot set.
const PresenceStatusInvisible discord.PresenceStatus = "invisible"

// RequestGuildMembers asks for a guild's members. Query and UserIDs are
// mutually exclusive so both are omitted when unset.
type RequestGuildMembers struct {
	Query     *string             `json:"query,omitempty"`
	Nonce     string              `json:"nonce,omitempty"`
	UserIDs   []discord.Snowflake `json:"user_ids,omitempty"`
	GuildID   discord.Snowflake   `json:"guild_id"`
	Limit     int32               `json:"limit"`
	Presences bool                `json:"presences"`
}

// UpdateVoiceState joins, moves or leaves a voice channel. A nil channel
// leaves.
type UpdateVoiceState struct {
	ChannelID *discord.Snowflake `json:"channel_id"`
	GuildID   discord.Snowflake  `json:"guild_id"`
	SelfMute  bool               `json:"self_mute"`
	SelfDeaf  bool               `json:"self_deaf"`
}

var gatewayOpNames = map[discord.GatewayOp]string{
	discord.GatewayOpDispatch:            "Dispatch",
	discord.GatewayOpHeartbeat:           "Heartbeat",
	discord.GatewayOpIdentify:            "Identify",
	discord.GatewayOpStatusUpdate:        "StatusUpdate",
	discord.GatewayOpVoiceStateUpdate:    "VoiceStateUpdate",
	discord.GatewayOpResume:              "Resume",
	discord.GatewayOpReconnect:           "Reconnect",
	discord.GatewayOpRequestGuildMembers: "RequestGuildMembers",
	discord.GatewayOpInvalidSession:      "InvalidSession",
	discord.GatewayOpHello:               "Hello",
	discord.GatewayOpHeartbeatACK:        "HeartbeatACK",
}

func gatewayOpName(op discord.GatewayOp) string {
	if name, ok := gatewayOpNames[op]; ok {
		return name
	}

	return "Unknown"
}

// ShardIDForGuild returns the shard a guild is routed to.
func ShardIDForGuild(guildID discord.Snowflake, shardCount int32) int32 {
	if shardCount <= 0 {
		return 0
	}

	return int32((uint64(guildID) >> 22) % uint64(shardCount))
}
