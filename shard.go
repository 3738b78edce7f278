package gateway

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/WelcomerTeam/Discord/discord"
	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var (
	// DefaultGatewayURL is dialed when no url was provided by the REST lookup.
	DefaultGatewayURL = "wss://gateway.discord.gg"

	GatewayLargeThreshold = int32(100)

	// ShardHelloTimeout is how long a shard may wait for Hello before it is
	// considered dead.
	ShardHelloTimeout = 15 * time.Second

	// The gateway allows 120 outbound frames a minute. Heartbeats skip the
	// budget.
	ShardOutboundLimit  = 120
	ShardOutboundPeriod = time.Minute
)

// ShardOptions configures a single Shard.
type ShardOptions struct {
	Logger           zerolog.Logger
	Clock            clock.Clock
	Codec            Codec
	Factory          TransportFactory
	IdentifyProvider IdentifyProvider
	Presence         *discord.UpdateStatus

	Token      string
	GatewayURL string

	Info           ShardInfo
	MaxConcurrency int32
	LargeThreshold int32
	Intents        discord.GatewayIntent
	Compress       bool
}

// Shard is the protocol state machine of one gateway connection. It is owned
// by a single runner and is not safe for concurrent use.
type Shard struct {
	logger zerolog.Logger
	clock  clock.Clock

	codec     Codec
	factory   TransportFactory
	transport Transport

	identifyProvider IdentifyProvider
	outbound         *rate.Limiter

	presence *discord.UpdateStatus

	token            string
	gatewayURL       string
	resumeGatewayURL string
	sessionID        string

	startedAt         time.Time
	lastHeartbeatSent time.Time
	lastHeartbeatAck  time.Time

	heartbeatInterval time.Duration
	latency           time.Duration

	sequence int64

	info           ShardInfo
	maxConcurrency int32
	largeThreshold int32
	intents        discord.GatewayIntent
	stage          ConnectionStage

	heartbeatAcknowledged bool
	hasLatency            bool
	sequenceKnown         bool
	compress              bool
}

func NewShard(options ShardOptions) *Shard {
	if options.Clock == nil {
		options.Clock = clock.New()
	}

	if options.Codec == nil {
		options.Codec = JSONCodec{}
	}

	if options.Factory == nil {
		options.Factory = NewWebsocketTransportFactory()
	}

	if options.GatewayURL == "" {
		options.GatewayURL = DefaultGatewayURL
	}

	if options.LargeThreshold == 0 {
		options.LargeThreshold = GatewayLargeThreshold
	}

	shard := &Shard{
		logger: options.Logger.With().Int32("shard_id", int32(options.Info.ID)).Logger(),
		clock:  options.Clock,

		codec:   options.Codec,
		factory: options.Factory,

		identifyProvider: options.IdentifyProvider,
		outbound:         rate.NewLimiter(rate.Every(ShardOutboundPeriod/time.Duration(ShardOutboundLimit)), ShardOutboundLimit),

		presence: options.Presence,

		token:      options.Token,
		gatewayURL: options.GatewayURL,

		info:           options.Info,
		maxConcurrency: options.MaxConcurrency,
		largeThreshold: options.LargeThreshold,
		intents:        options.Intents,
		stage:          StageDisconnected,
		compress:       options.Compress,

		heartbeatAcknowledged: true,
	}

	return shard
}

// Connect dials the gateway. The shard waits for Hello on the new
// connection before identifying.
func (shard *Shard) Connect(ctx context.Context) error {
	shard.logger.Debug().Str("url", shard.gatewayURL).Msg("Shard is connecting")

	shard.stage = StageConnecting
	shard.startedAt = shard.clock.Now()
	shard.heartbeatInterval = 0
	shard.resetHeartbeat()

	transport, err := shard.factory.Connect(ctx, shard.gatewayURL)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	shard.transport = transport

	return nil
}

func (shard *Shard) resetHeartbeat() {
	shard.lastHeartbeatSent = time.Time{}
	shard.heartbeatAcknowledged = true
}

// HandleEvent applies an inbound gateway event to the shard state and
// returns what the runner should do next, plus the event to dispatch, if any.
func (shard *Shard) HandleEvent(gatewayEvent GatewayEvent) (ShardAction, *Event) {
	switch gatewayEvent.Kind {
	case GatewayEventDispatch:
		return shard.handleDispatch(gatewayEvent)
	case GatewayEventHeartbeat:
		shard.logger.Trace().Msg("Received heartbeat request")

		return actionHeartbeat, nil
	case GatewayEventHeartbeatAck:
		shard.handleHeartbeatAck()

		return actionNone, nil
	case GatewayEventHello:
		return shard.handleHello(gatewayEvent.HeartbeatInterval), nil
	case GatewayEventInvalidSession:
		shard.logger.Info().Bool("resumable", gatewayEvent.Resumable).Msg("Received session invalidation")

		if gatewayEvent.Resumable {
			return actionReconnect, nil
		}

		shard.clearSession()

		return actionReidentify, nil
	case GatewayEventReconnect:
		shard.logger.Info().Msg("Received reconnect request")

		if shard.sessionID != "" {
			return actionReconnect, nil
		}

		return actionReidentify, nil
	default:
		return actionNone, nil
	}
}

func (shard *Shard) handleHello(interval time.Duration) ShardAction {
	shard.logger.Debug().Dur("heartbeat_interval", interval).Msg("Received hello")

	shard.heartbeatInterval = interval
	shard.resetHeartbeat()

	if shard.stage == StageResuming {
		return actionNone
	}

	shard.stage = StageHandshake

	if shard.canResume() {
		return actionResume
	}

	return actionIdentify
}

func (shard *Shard) handleHeartbeatAck() {
	now := shard.clock.Now()

	if !shard.heartbeatAcknowledged && !now.Before(shard.lastHeartbeatSent) {
		shard.latency = now.Sub(shard.lastHeartbeatSent)
		shard.hasLatency = true
	}

	shard.lastHeartbeatAck = now
	shard.heartbeatAcknowledged = true

	shard.logger.Trace().Dur("latency", shard.latency).Msg("Received heartbeat ack")
}

func (shard *Shard) handleDispatch(gatewayEvent GatewayEvent) (ShardAction, *Event) {
	if !shard.sequenceKnown || gatewayEvent.Sequence > shard.sequence {
		shard.sequence = gatewayEvent.Sequence
		shard.sequenceKnown = true
	}

	event := gatewayEvent.Event
	if event == nil {
		return actionNone, nil
	}

	switch event.Type {
	case EventReady:
		if ready, ok := event.Data.(*discord.Ready); ok {
			shard.sessionID = ready.SessionID
			shard.resumeGatewayURL = ready.ResumeGatewayUrl
		}

		shard.stage = StageConnected

		shard.logger.Info().Str("session_id", shard.sessionID).Msg("Shard is ready")
	case EventResumed:
		shard.stage = StageConnected
		shard.resetHeartbeat()

		shard.logger.Info().Int64("sequence", shard.sequence).Msg("Shard has resumed")
	}

	return actionNone, event
}

// DoHeartbeat sends a heartbeat when one is due. It returns false when the
// connection should be considered dead: Hello never arrived, the previous
// heartbeat was never acknowledged or the heartbeat could not be sent.
func (shard *Shard) DoHeartbeat(ctx context.Context) bool {
	if shard.heartbeatInterval <= 0 {
		return shard.clock.Since(shard.startedAt) < ShardHelloTimeout
	}

	if !shard.lastHeartbeatSent.IsZero() && shard.clock.Since(shard.lastHeartbeatSent) < shard.heartbeatInterval {
		return true
	}

	if !shard.heartbeatAcknowledged {
		shard.logger.Warn().Msg("Last heartbeat was not acknowledged")

		return false
	}

	if err := shard.Heartbeat(ctx); err != nil {
		shard.logger.Warn().Err(err).Msg("Failed to heartbeat")

		return false
	}

	return true
}

// Heartbeat sends a heartbeat with the last known sequence.
func (shard *Shard) Heartbeat(ctx context.Context) error {
	var sequence *int64

	if shard.sequenceKnown {
		sequence = &shard.sequence
	}

	err := shard.send(ctx, discord.GatewayOpHeartbeat, sequence)
	if err != nil {
		return err
	}

	shard.lastHeartbeatSent = shard.clock.Now()
	shard.heartbeatAcknowledged = false

	shard.logger.Trace().Msg("Sent heartbeat")

	return nil
}

// Identify starts a fresh session on the current connection.
func (shard *Shard) Identify(ctx context.Context) error {
	if shard.identifyProvider != nil {
		err := shard.identifyProvider.Identify(ctx, IdentifyRequest{
			Token:          shard.token,
			ShardID:        shard.info.ID,
			ShardCount:     shard.info.Total,
			MaxConcurrency: shard.maxConcurrency,
		})
		if err != nil {
			return fmt.Errorf("failed to wait for identify: %w", err)
		}
	}

	shard.logger.Debug().Int32("shard_count", shard.info.Total).Msg("Shard is identifying")

	err := shard.send(ctx, discord.GatewayOpIdentify, discord.Identify{
		Properties: &discord.IdentifyProperties{
			OS:      runtime.GOOS,
			Browser: "Sandwich " + VERSION,
			Device:  "Sandwich " + VERSION,
		},
		Presence:       shard.presence,
		Token:          shard.token,
		Shard:          [2]int32{int32(shard.info.ID), shard.info.Total},
		LargeThreshold: shard.largeThreshold,
		Intents:        int32(shard.intents),
		Compress:       shard.compress,
	})
	if err != nil {
		return err
	}

	shard.lastHeartbeatSent = shard.clock.Now()
	shard.stage = StageIdentifying

	RecordIdentify()

	return nil
}

// Resume redials the gateway, preferring the resume url handed out in Ready,
// and resumes the current session.
func (shard *Shard) Resume(ctx context.Context) error {
	if !shard.canResume() {
		return ErrShardNoSession
	}

	shard.logger.Debug().Int64("sequence", shard.sequence).Msg("Shard is resuming")

	if shard.transport != nil {
		_ = shard.transport.Close(discord.CloseUnknownError, "resuming")
		shard.transport = nil
	}

	url := shard.resumeGatewayURL
	if url == "" {
		url = shard.gatewayURL
	}

	shard.stage = StageConnecting
	shard.startedAt = shard.clock.Now()
	shard.heartbeatInterval = 0
	shard.resetHeartbeat()

	transport, err := shard.factory.Connect(ctx, url)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	shard.transport = transport

	return shard.sendResume(ctx)
}

// sendResume resumes on the current connection.
func (shard *Shard) sendResume(ctx context.Context) error {
	if !shard.canResume() {
		return ErrShardNoSession
	}

	shard.stage = StageResuming

	return shard.send(ctx, discord.GatewayOpResume, discord.Resume{
		Token:     shard.token,
		SessionID: shard.sessionID,
		Sequence:  int32(shard.sequence),
	})
}

func (shard *Shard) canResume() bool {
	return shard.sessionID != "" && shard.sequenceKnown
}

func (shard *Shard) clearSession() {
	shard.sessionID = ""
	shard.sequence = 0
	shard.sequenceKnown = false
}

// ReconnectionType is Resume when the session can be resumed.
func (shard *Shard) ReconnectionType() ReconnectType {
	if shard.canResume() {
		return ReconnectResume
	}

	return ReconnectReidentify
}

// Receive reads and decodes one frame. A read timeout or an undecodable
// frame yields no event and no error.
func (shard *Shard) Receive(ctx context.Context) (*GatewayEvent, error) {
	if shard.transport == nil {
		return nil, ErrShardNotConnected
	}

	frame, err := shard.transport.Receive(ctx)
	if err != nil {
		if errors.Is(err, ErrReadTimeout) {
			return nil, nil
		}

		if errors.Is(err, context.Canceled) {
			return nil, err
		}

		// The connection is unusable after any other error.
		shard.dropTransport()

		return nil, shard.handleReceiveError(err)
	}

	gatewayEvent, err := shard.codec.Decode(frame)
	if err != nil {
		shard.logger.Warn().Err(err).Msg("Failed to decode gateway event")

		return nil, nil
	}

	if gatewayEvent.Event != nil && gatewayEvent.Event.DecodeError != nil {
		shard.logger.Warn().Err(gatewayEvent.Event.DecodeError).
			Int64("sequence", gatewayEvent.Sequence).
			Msg("Dispatching event without typed data")
	}

	return &gatewayEvent, nil
}

func (shard *Shard) handleReceiveError(err error) error {
	var closeError *CloseError

	if !errors.As(err, &closeError) {
		return err
	}

	if fatal := closeCodeError(closeError.Code); fatal != nil {
		shard.logger.Error().Int("code", closeError.Code).Str("reason", closeError.Reason).Msg("Gateway closed with a fatal code")

		return fmt.Errorf("%w: %w", fatal, err)
	}

	switch closeError.Code {
	case discord.CloseInvalidSeq:
		shard.logger.Warn().Int64("sequence", shard.sequence).Msg("Sent invalid sequence")

		shard.clearSession()
	case discord.CloseSessionTimeout:
		shard.logger.Info().Msg("Session timed out")

		shard.clearSession()
	default:
		shard.logger.Warn().Int("code", closeError.Code).Str("reason", closeError.Reason).Msg("Gateway closed connection")
	}

	return err
}

// ChunkGuild requests guild members. A nil query with no user ids requests
// every member.
func (shard *Shard) ChunkGuild(ctx context.Context, request RequestGuildMembers) error {
	if request.Query == nil && len(request.UserIDs) == 0 {
		empty := ""
		request.Query = &empty
	}

	return shard.send(ctx, discord.GatewayOpRequestGuildMembers, request)
}

func (shard *Shard) SetActivity(activity *discord.Activity) {
	presence := shard.currentPresence()

	if activity == nil {
		presence.Activities = nil
	} else {
		presence.Activities = []*discord.Activity{activity}
	}

	shard.presence = presence
}

func (shard *Shard) SetStatus(status discord.PresenceStatus) {
	presence := shard.currentPresence()
	presence.Status = string(status)

	shard.presence = presence
}

func (shard *Shard) SetPresence(activity *discord.Activity, status discord.PresenceStatus) {
	shard.SetActivity(activity)
	shard.SetStatus(status)
}

func (shard *Shard) currentPresence() *discord.UpdateStatus {
	presence := discord.UpdateStatus{Status: string(discord.PresenceStatusOnline)}

	if shard.presence != nil {
		presence = *shard.presence
	}

	return &presence
}

// UpdatePresence sends the stored presence. Offline cannot be set by a bot,
// it is sent as invisible.
func (shard *Shard) UpdatePresence(ctx context.Context) error {
	presence := shard.currentPresence()

	if presence.Status == string(discord.PresenceStatusOffline) {
		presence.Status = string(PresenceStatusInvisible)
	}

	return shard.send(ctx, discord.GatewayOpStatusUpdate, presence)
}

func (shard *Shard) UpdateVoiceState(ctx context.Context, voiceState UpdateVoiceState) error {
	return shard.send(ctx, discord.GatewayOpVoiceStateUpdate, voiceState)
}

// SendRaw writes an already encoded frame.
func (shard *Shard) SendRaw(ctx context.Context, data []byte) error {
	if shard.transport == nil {
		return ErrShardNotConnected
	}

	if err := shard.outbound.Wait(ctx); err != nil {
		return fmt.Errorf("failed to wait for outbound budget: %w", err)
	}

	return shard.transport.Send(ctx, data)
}

func (shard *Shard) send(ctx context.Context, op discord.GatewayOp, data any) error {
	if shard.transport == nil {
		return ErrShardNotConnected
	}

	payload, err := shard.codec.Encode(op, data)
	if err != nil {
		return err
	}

	if op != discord.GatewayOpHeartbeat {
		if err = shard.outbound.Wait(ctx); err != nil {
			return fmt.Errorf("failed to wait for outbound budget: %w", err)
		}
	}

	if op != discord.GatewayOpIdentify && op != discord.GatewayOpResume {
		shard.logger.Trace().Str("op", gatewayOpName(op)).RawJSON("payload", payload).Msg("Sending payload")
	}

	err = shard.transport.Send(ctx, payload)
	if err != nil {
		return fmt.Errorf("failed to send %s: %w", gatewayOpName(op), err)
	}

	return nil
}

func (shard *Shard) dropTransport() {
	if shard.transport == nil {
		return
	}

	_ = shard.transport.Close(discord.CloseUnknownError, "")

	shard.transport = nil
	shard.stage = StageDisconnected
}

// Close closes the transport with the given code. Closing an already closed
// shard is a no-op.
func (shard *Shard) Close(code int, reason string) error {
	if shard.transport == nil {
		return nil
	}

	transport := shard.transport
	shard.transport = nil
	shard.stage = StageDisconnected

	shard.logger.Debug().Int("code", code).Msg("Shard is closing transport")

	return transport.Close(code, reason)
}

func (shard *Shard) Stage() ConnectionStage {
	return shard.stage
}

// Latency is the time between the last heartbeat and its ack. It is unknown
// until the first ack arrives.
func (shard *Shard) Latency() (time.Duration, bool) {
	return shard.latency, shard.hasLatency
}

func (shard *Shard) SessionID() string {
	return shard.sessionID
}

func (shard *Shard) Sequence() (int64, bool) {
	return shard.sequence, shard.sequenceKnown
}

func (shard *Shard) Info() ShardInfo {
	return shard.info
}

func (shard *Shard) HeartbeatInterval() time.Duration {
	return shard.heartbeatInterval
}

func (shard *Shard) Transport() Transport {
	return shard.transport
}
