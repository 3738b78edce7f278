package gateway

import (
	"github.com/WelcomerTeam/Discord/discord"
)

// VoiceGatewayManager is implemented by a voice client that rides on the
// gateway connections. Every method is called inline from a shard runner or
// the manager and must not block; long work belongs on the voice client's own
// goroutines.
type VoiceGatewayManager interface {
	// Initialise is called once by the manager before any shard starts.
	Initialise(shardCount int32, userID discord.Snowflake)

	// RegisterShard is called when a shard receives Ready. The messenger is
	// used to send voice state updates through that shard.
	RegisterShard(shardID ShardID, messenger *ShardMessenger)

	// DeregisterShard is called when a shard runner is restarting or leaving.
	DeregisterShard(shardID ShardID)

	ServerUpdate(guildID discord.Snowflake, endpoint *string, token string)
	StateUpdate(guildID discord.Snowflake, voiceState *discord.VoiceState)
}

func (runner *ShardRunner) handleVoiceEvent(event *Event) {
	if runner.voice == nil {
		return
	}

	switch data := event.Data.(type) {
	case *discord.Ready:
		runner.voice.RegisterShard(runner.shardID, runner.messenger)
	case *discord.VoiceServerUpdate:
		if data.GuildID.IsNil() {
			return
		}

		// A null endpoint means the voice server went away.
		var endpoint *string
		if data.Endpoint != "" {
			endpoint = &data.Endpoint
		}

		runner.voice.ServerUpdate(discord.Snowflake(data.GuildID), endpoint, data.Token)
	case *discord.VoiceStateUpdate:
		if data.GuildID != nil {
			voiceState := discord.VoiceState(*data)
			runner.voice.StateUpdate(discord.Snowflake(*data.GuildID), &voiceState)
		}
	}
}
