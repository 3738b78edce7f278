package gateway

import (
	"strings"
	"time"

	"github.com/WelcomerTeam/Discord/discord"
	"github.com/google/uuid"
	"go.uber.org/atomic"
)

// RunnerCommand is a control message for a shard runner. Commands are
// applied in the order they were sent, at the start of the runner's next
// loop iteration.
type RunnerCommand interface {
	runnerCommand()
}

// RestartCommand asks the runner to close its connection with 4000 and have
// the manager start the shard again.
type RestartCommand struct {
	ShardID ShardID
}

// ShutdownCommand closes the connection with Code and stops the runner.
// Runners ignore shutdowns addressed to another shard.
type ShutdownCommand struct {
	ShardID ShardID
	Code    int
}

// CloseCommand closes the current connection. The runner recovers from it
// like from any other dropped connection.
type CloseCommand struct {
	Reason string
	Code   int
}

// SendFrameCommand writes an already encoded frame.
type SendFrameCommand struct {
	Data []byte
}

type ChunkGuildCommand struct {
	Request RequestGuildMembers
}

type SetActivityCommand struct {
	Activity *discord.Activity
}

type SetPresenceCommand struct {
	Activity *discord.Activity
	Status   discord.PresenceStatus
}

type SetStatusCommand struct {
	Status discord.PresenceStatus
}

type UpdateVoiceStateCommand struct {
	VoiceState UpdateVoiceState
}

func (RestartCommand) runnerCommand()          {}
func (ShutdownCommand) runnerCommand()         {}
func (CloseCommand) runnerCommand()            {}
func (SendFrameCommand) runnerCommand()        {}
func (ChunkGuildCommand) runnerCommand()       {}
func (SetActivityCommand) runnerCommand()      {}
func (SetPresenceCommand) runnerCommand()      {}
func (SetStatusCommand) runnerCommand()        {}
func (UpdateVoiceStateCommand) runnerCommand() {}

// ShardCommandBuffer is how many commands may be queued on a runner.
var ShardCommandBuffer = 64

// ShardMessenger is the sending half of a runner's command channel. It is
// safe for concurrent use and may be shared, such as with a voice client.
type ShardMessenger struct {
	commands chan RunnerCommand
	done     <-chan struct{}

	collectors *collectorBus

	shardID ShardID
}

func newShardMessenger(shardID ShardID, done <-chan struct{}) *ShardMessenger {
	return &ShardMessenger{
		commands:   make(chan RunnerCommand, ShardCommandBuffer),
		done:       done,
		collectors: newCollectorBus(),
		shardID:    shardID,
	}
}

func (messenger *ShardMessenger) ShardID() ShardID {
	return messenger.shardID
}

// Send queues a command. It returns ErrRunnerClosed once the runner exited.
func (messenger *ShardMessenger) Send(command RunnerCommand) error {
	select {
	case <-messenger.done:
		return ErrRunnerClosed
	default:
	}

	select {
	case messenger.commands <- command:
		return nil
	case <-messenger.done:
		return ErrRunnerClosed
	}
}

func (messenger *ShardMessenger) Restart() error {
	return messenger.Send(RestartCommand{ShardID: messenger.shardID})
}

func (messenger *ShardMessenger) Shutdown(code int) error {
	return messenger.Send(ShutdownCommand{ShardID: messenger.shardID, Code: code})
}

func (messenger *ShardMessenger) Close(code int, reason string) error {
	return messenger.Send(CloseCommand{Code: code, Reason: reason})
}

func (messenger *ShardMessenger) SendFrame(data []byte) error {
	return messenger.Send(SendFrameCommand{Data: data})
}

// ChunkGuild requests the members of a guild and returns the nonce the
// resulting chunks will carry. A nil query with no user ids requests every
// member.
func (messenger *ShardMessenger) ChunkGuild(guildID discord.Snowflake, limit int32, presences bool, query *string, userIDs []discord.Snowflake) (string, error) {
	nonce := strings.ReplaceAll(uuid.NewString(), "-", "")

	err := messenger.Send(ChunkGuildCommand{
		Request: RequestGuildMembers{
			Query:     query,
			Nonce:     nonce,
			UserIDs:   userIDs,
			GuildID:   guildID,
			Limit:     limit,
			Presences: presences,
		},
	})

	return nonce, err
}

func (messenger *ShardMessenger) SetActivity(activity *discord.Activity) error {
	return messenger.Send(SetActivityCommand{Activity: activity})
}

func (messenger *ShardMessenger) SetPresence(activity *discord.Activity, status discord.PresenceStatus) error {
	return messenger.Send(SetPresenceCommand{Activity: activity, Status: status})
}

func (messenger *ShardMessenger) SetStatus(status discord.PresenceStatus) error {
	return messenger.Send(SetStatusCommand{Status: status})
}

// UpdateVoiceState joins or moves to channelID, or leaves voice when it is nil.
func (messenger *ShardMessenger) UpdateVoiceState(guildID discord.Snowflake, channelID *discord.Snowflake, selfMute, selfDeaf bool) error {
	return messenger.Send(UpdateVoiceStateCommand{
		VoiceState: UpdateVoiceState{
			ChannelID: channelID,
			GuildID:   guildID,
			SelfMute:  selfMute,
			SelfDeaf:  selfDeaf,
		},
	})
}

// AddCollector registers a callback offered every event this shard
// dispatches. The callback stays registered until it returns false.
func (messenger *ShardMessenger) AddCollector(callback CollectorCallback) {
	messenger.collectors.add(callback)
}

// RunnerHandle is the manager's view of a live runner.
type RunnerHandle struct {
	Messenger *ShardMessenger

	latency    *atomic.Duration
	hasLatency *atomic.Bool
	stage      *atomic.Int32

	done chan struct{}
}

func newRunnerHandle(shardID ShardID) *RunnerHandle {
	done := make(chan struct{})

	return &RunnerHandle{
		Messenger: newShardMessenger(shardID, done),

		latency:    atomic.NewDuration(0),
		hasLatency: atomic.NewBool(false),
		stage:      atomic.NewInt32(int32(StageDisconnected)),

		done: done,
	}
}

// Latency is the last measured heartbeat latency, if any.
func (handle *RunnerHandle) Latency() (time.Duration, bool) {
	return handle.latency.Load(), handle.hasLatency.Load()
}

func (handle *RunnerHandle) Stage() ConnectionStage {
	return ConnectionStage(handle.stage.Load())
}

// Done is closed once the runner has exited.
func (handle *RunnerHandle) Done() <-chan struct{} {
	return handle.done
}

func (handle *RunnerHandle) update(latency time.Duration, hasLatency bool, stage ConnectionStage) {
	handle.latency.Store(latency)
	handle.hasLatency.Store(hasLatency)
	handle.stage.Store(int32(stage))
}
