package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/WelcomerTeam/Discord/discord"
	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

var (
	// ShardReadTimeout bounds each frame read so heartbeats and commands are
	// serviced even when the gateway is quiet.
	ShardReadTimeout = time.Second

	// ShardDrainTimeout bounds how long a shutting down runner waits for the
	// gateway to answer its close frame.
	ShardDrainTimeout = 5 * time.Second

	// ShardResumeBackoff is waited after a failed resume.
	ShardResumeBackoff = time.Second
)

type shardReportKind int

const (
	reportStatus shardReportKind = iota
	reportRestart
	reportShutdownFinished
	reportFatal
)

// shardReport is sent from a runner to its manager.
type shardReport struct {
	err     error
	handle  *RunnerHandle
	latency time.Duration

	shardID    ShardID
	kind       shardReportKind
	stage      ConnectionStage
	hasLatency bool
}

type shardRunnerOptions struct {
	logger     zerolog.Logger
	clock      clock.Clock
	shard      *Shard
	handle     *RunnerHandle
	dispatcher *dispatcher
	voice      VoiceGatewayManager
	report     func(report shardReport)

	// replaced reports whether another runner has taken the handle's slot.
	replaced func(handle *RunnerHandle) bool

	readTimeout time.Duration
}

// ShardRunner drives one Shard on a single goroutine: it applies commands,
// heartbeats, reads frames, acts on what the shard asks for and hands events
// to collectors and handlers.
type ShardRunner struct {
	logger zerolog.Logger
	clock  clock.Clock

	shard     *Shard
	handle    *RunnerHandle
	messenger *ShardMessenger

	dispatcher *dispatcher
	voice      VoiceGatewayManager
	reporter   func(report shardReport)
	replaced   func(handle *RunnerHandle) bool

	readTimeout time.Duration
	shardID     ShardID
}

func newShardRunner(options shardRunnerOptions) *ShardRunner {
	if options.readTimeout <= 0 {
		options.readTimeout = ShardReadTimeout
	}

	return &ShardRunner{
		logger: options.logger.With().Int32("shard_id", int32(options.shard.Info().ID)).Logger(),
		clock:  options.clock,

		shard:     options.shard,
		handle:    options.handle,
		messenger: options.handle.Messenger,

		dispatcher: options.dispatcher,
		voice:      options.voice,
		reporter:   options.report,
		replaced:   options.replaced,

		readTimeout: options.readTimeout,
		shardID:     options.shard.Info().ID,
	}
}

// Run blocks until the runner exits. The handle's Done channel is closed on
// return.
func (runner *ShardRunner) Run(ctx context.Context) {
	defer close(runner.handle.done)
	defer runner.messenger.collectors.close()

	runner.logger.Debug().Msg("Shard runner is starting")

	runner.updateManager()

	for {
		if ctx.Err() != nil {
			runner.logger.Debug().Msg("Shard runner context finished")

			_ = runner.shard.Close(CloseNormalClosure, "")
			runner.updateManager()

			return
		}

		if !runner.recv(ctx) {
			return
		}

		if !runner.shard.DoHeartbeat(ctx) {
			runner.logger.Warn().Msg("Heartbeat failed, restarting")

			runner.requestRestart()

			return
		}

		pre := runner.shard.Stage()

		event, action, successful, err := runner.recvEvent(ctx)
		if err != nil {
			if IsFatal(err) {
				runner.returnFatal(err)

				return
			}

			continue
		}

		switch {
		case action.Kind == ShardActionReconnect && action.Reconnect == ReconnectReidentify:
			runner.requestRestart()

			return
		case action.Kind != ShardActionNone:
			if err := runner.action(ctx, action); err != nil {
				runner.logger.Debug().Err(err).Str("action", action.String()).Msg("Reconnecting after failed action")

				if runner.shard.ReconnectionType() == ReconnectReidentify {
					runner.requestRestart()

					return
				}

				if err := runner.shard.Resume(ctx); err != nil {
					runner.logger.Warn().Err(err).Msg("Failed to resume, reidentifying")

					runner.requestRestart()

					return
				}
			}
		}

		post := runner.shard.Stage()

		if post != pre {
			runner.updateManager()
			runner.dispatchStageUpdate(ctx, pre, post)
		}

		if event != nil {
			runner.messenger.collectors.offer(event)
			runner.dispatcher.dispatch(runner.eventContext(ctx), event)
		}

		if !successful && !runner.shard.Stage().IsConnecting() {
			runner.requestRestart()

			return
		}
	}
}

// recv applies every queued command without blocking. It returns false when
// the runner must exit.
func (runner *ShardRunner) recv(ctx context.Context) bool {
	for {
		select {
		case command := <-runner.messenger.commands:
			if !runner.handleCommand(ctx, command) {
				return false
			}
		default:
			return true
		}
	}
}

func (runner *ShardRunner) handleCommand(ctx context.Context, command RunnerCommand) bool {
	var err error

	switch command := command.(type) {
	case RestartCommand:
		if command.ShardID != runner.shardID {
			return true
		}

		runner.requestRestart()

		return false
	case ShutdownCommand:
		return runner.checkedShutdown(command.ShardID, command.Code)
	case CloseCommand:
		err = runner.shard.Close(command.Code, command.Reason)
	case SendFrameCommand:
		err = runner.shard.SendRaw(ctx, command.Data)
	case ChunkGuildCommand:
		err = runner.shard.ChunkGuild(ctx, command.Request)
	case SetActivityCommand:
		runner.shard.SetActivity(command.Activity)
		err = runner.shard.UpdatePresence(ctx)
	case SetPresenceCommand:
		runner.shard.SetPresence(command.Activity, command.Status)
		err = runner.shard.UpdatePresence(ctx)
	case SetStatusCommand:
		runner.shard.SetStatus(command.Status)
		err = runner.shard.UpdatePresence(ctx)
	case UpdateVoiceStateCommand:
		err = runner.shard.UpdateVoiceState(ctx, command.VoiceState)
	}

	if err != nil {
		runner.logger.Warn().Err(err).Type("command", command).Msg("Failed to apply command")
	}

	return true
}

// checkedShutdown closes the connection with code and waits for the gateway
// to acknowledge it. Shutdowns addressed to another shard are ignored.
func (runner *ShardRunner) checkedShutdown(shardID ShardID, code int) bool {
	if shardID != runner.shardID {
		runner.logger.Debug().Int32("target", int32(shardID)).Msg("Ignoring shutdown for another shard")

		return true
	}

	runner.logger.Info().Int("code", code).Msg("Shard is shutting down")

	transport := runner.shard.Transport()

	if err := runner.shard.Close(code, ""); err != nil {
		runner.logger.Debug().Err(err).Msg("Failed to close transport")
	}

	if transport != nil {
		drain(transport)
	}

	runner.updateManager()

	runner.deregisterVoice()

	runner.report(shardReport{kind: reportShutdownFinished})

	return false
}

// drain reads until the close handshake finishes or the connection fails.
func drain(transport Transport) {
	ctx, cancel := context.WithTimeout(context.Background(), ShardDrainTimeout)
	defer cancel()

	for {
		if _, err := transport.Receive(ctx); err != nil {
			return
		}
	}
}

// recvEvent reads one frame. successful is false when the connection was lost
// and could not be resumed.
func (runner *ShardRunner) recvEvent(ctx context.Context) (*Event, ShardAction, bool, error) {
	readCtx, cancel := context.WithTimeout(ctx, runner.readTimeout)
	gatewayEvent, err := runner.shard.Receive(readCtx)
	cancel()

	if err != nil {
		if IsFatal(err) {
			return nil, actionNone, false, err
		}

		if errors.Is(err, context.Canceled) {
			return nil, actionNone, true, err
		}

		runner.logger.Debug().Err(err).Msg("Connection lost, attempting to reconnect")

		if runner.shard.ReconnectionType() == ReconnectReidentify {
			return nil, actionNone, false, nil
		}

		if err := runner.shard.Resume(ctx); err != nil {
			runner.logger.Warn().Err(err).Msg("Failed to resume")

			select {
			case <-runner.clock.After(ShardResumeBackoff):
			case <-ctx.Done():
			}

			return nil, actionNone, false, nil
		}

		return nil, actionNone, true, nil
	}

	if gatewayEvent == nil {
		return nil, actionNone, true, nil
	}

	action, event := runner.shard.HandleEvent(*gatewayEvent)

	if gatewayEvent.Kind == GatewayEventHeartbeatAck {
		runner.updateManager()
	}

	if event != nil {
		runner.handleVoiceEvent(event)
	}

	return event, action, true, nil
}

func (runner *ShardRunner) action(ctx context.Context, action ShardAction) error {
	switch action.Kind {
	case ShardActionHeartbeat:
		return runner.shard.Heartbeat(ctx)
	case ShardActionIdentify:
		return runner.shard.Identify(ctx)
	case ShardActionResume:
		return runner.shard.sendResume(ctx)
	case ShardActionReconnect:
		return runner.shard.Resume(ctx)
	default:
		return nil
	}
}

// requestRestart closes the connection and asks the manager to start the
// shard again.
func (runner *ShardRunner) requestRestart() {
	runner.logger.Info().Msg("Requesting restart")

	_ = runner.shard.Close(discord.CloseUnknownError, "")

	runner.updateManager()

	runner.deregisterVoice()

	runner.report(shardReport{kind: reportRestart})
}

func (runner *ShardRunner) returnFatal(err error) {
	runner.logger.Error().Err(err).Msg("Shard received a fatal error")

	_ = runner.shard.Close(CloseNormalClosure, "")

	runner.updateManager()

	runner.deregisterVoice()

	runner.report(shardReport{kind: reportFatal, err: err})
}

// deregisterVoice leaves the voice registration alone once a newer runner
// holds this shard, as that runner has registered itself.
func (runner *ShardRunner) deregisterVoice() {
	if runner.voice == nil {
		return
	}

	if runner.replaced != nil && runner.replaced(runner.handle) {
		runner.logger.Debug().Msg("Shard was replaced, keeping voice registration")

		return
	}

	runner.voice.DeregisterShard(runner.shardID)
}

func (runner *ShardRunner) updateManager() {
	latency, hasLatency := runner.shard.Latency()

	runner.report(shardReport{
		kind:       reportStatus,
		latency:    latency,
		hasLatency: hasLatency,
		stage:      runner.shard.Stage(),
	})
}

func (runner *ShardRunner) report(report shardReport) {
	report.shardID = runner.shardID
	report.handle = runner.handle

	runner.reporter(report)
}

func (runner *ShardRunner) dispatchStageUpdate(ctx context.Context, from, to ConnectionStage) {
	runner.logger.Debug().Str("old", from.String()).Str("new", to.String()).Msg("Shard stage changed")

	runner.dispatcher.dispatch(runner.eventContext(ctx), &Event{
		Type: EventShardStageUpdate,
		Data: &ShardStageUpdateEvent{
			ShardID: runner.shardID,
			Old:     from,
			New:     to,
		},
	})
}

func (runner *ShardRunner) eventContext(ctx context.Context) *EventContext {
	return &EventContext{
		Context:   ctx,
		Logger:    runner.logger,
		Messenger: runner.messenger,
		ShardID:   runner.shardID,
	}
}
