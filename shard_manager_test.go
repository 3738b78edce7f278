package gateway

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/WelcomerTeam/Discord/discord"
	"github.com/benbjohnson/clock"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "MTIzNDU2Nzg5.Gx0000.secret"

func newTestManager(t *testing.T, options ManagerOptions) *Manager {
	t.Helper()

	options.Logger = zerolog.Nop()
	options.Token = testToken

	if options.ShardTotal == 0 {
		options.ShardInit = 1
		options.ShardTotal = 1
	}

	if options.ReadTimeout == 0 {
		options.ReadTimeout = 10 * time.Millisecond
	}

	if options.IdentifyWindow == 0 {
		options.IdentifyWindow = 10 * time.Millisecond
	}

	manager, err := NewManager(options)
	require.NoError(t, err)

	t.Cleanup(manager.Close)

	return manager
}

func runnerHandle(t *testing.T, manager *Manager, shardID ShardID) *RunnerHandle {
	t.Helper()

	var handle *RunnerHandle

	require.Eventually(t, func() bool {
		var ok bool

		handle, ok = manager.Runner(shardID)

		return ok
	}, testTimeout, 5*time.Millisecond)

	return handle
}

func waitForStage(t *testing.T, handle *RunnerHandle, stage ConnectionStage) {
	t.Helper()

	require.Eventually(t, func() bool {
		return handle.Stage() == stage
	}, testTimeout, 5*time.Millisecond, "shard never reached %s", stage)
}

// identifyShard takes a freshly dialed shard through Hello, Identify and
// Ready.
func identifyShard(t *testing.T, manager *Manager, factory *stubFactory) (*stubTransport, *RunnerHandle) {
	t.Helper()

	transport := factory.next(t)
	transport.push(helloFrame(41250))

	nextSent(t, transport, discord.GatewayOpIdentify)

	transport.push(readyFrame(1, "S", "wss://resume"))

	handle := runnerHandle(t, manager, 0)
	waitForStage(t, handle, StageConnected)

	return transport, handle
}

func TestRunnerCleanIdentify(t *testing.T) {
	t.Parallel()

	factory := newStubFactory()
	stages := make(chan ShardStageUpdateEvent, 16)
	readies := make(chan *discord.Ready, 1)
	intents := discord.IntentGuilds | discord.IntentGuildMessages

	manager := newTestManager(t, ManagerOptions{
		TransportFactory: factory,
		Intents:          intents,
		Handlers: &EventHandlers{
			OnShardStageUpdate: func(_ *EventContext, update *ShardStageUpdateEvent) {
				stages <- *update
			},
			OnReady: func(_ *EventContext, ready *discord.Ready) {
				readies <- ready
			},
		},
	})

	require.NoError(t, manager.Initialize())

	transport := factory.next(t)
	transport.push(helloFrame(41250))

	payload := nextSent(t, transport, discord.GatewayOpIdentify)

	var identify discord.Identify

	require.NoError(t, jsoniter.Unmarshal(payload.Data, &identify))
	assert.Equal(t, int32(intents), identify.Intents)
	assert.Equal(t, testToken, identify.Token)

	transport.push(readyFrame(1, "S", ""))

	select {
	case ready := <-readies:
		assert.Equal(t, "S", ready.SessionID)
	case <-time.After(testTimeout):
		require.FailNow(t, "ready was never dispatched")
	}

	waitForStage(t, runnerHandle(t, manager, 0), StageConnected)

	var updates []ShardStageUpdateEvent

	for len(updates) < 2 {
		select {
		case update := <-stages:
			updates = append(updates, update)
		case <-time.After(testTimeout):
			require.FailNow(t, "missing stage updates")
		}
	}

	assert.ElementsMatch(t, []ShardStageUpdateEvent{
		{ShardID: 0, Old: StageConnecting, New: StageIdentifying},
		{ShardID: 0, Old: StageIdentifying, New: StageConnected},
	}, updates)
}

func TestRunnerResumesAfterTransportError(t *testing.T) {
	t.Parallel()

	factory := newStubFactory()
	manager := newTestManager(t, ManagerOptions{TransportFactory: factory})

	require.NoError(t, manager.Initialize())

	first, handle := identifyShard(t, manager, factory)

	first.push(dispatchFrame("TYPING_START", 2, `{}`))
	first.fail(io.ErrUnexpectedEOF)

	second := factory.next(t)
	assert.Equal(t, "wss://resume", second.url)

	payload := nextSent(t, second, discord.GatewayOpResume)

	var resume discord.Resume

	require.NoError(t, jsoniter.Unmarshal(payload.Data, &resume))
	assert.Equal(t, "S", resume.SessionID)
	assert.Equal(t, int32(2), resume.Sequence)

	waitForStage(t, handle, StageResuming)

	second.push(helloFrame(41250))
	second.push(dispatchFrame(EventResumed, 3, `{}`))

	waitForStage(t, handle, StageConnected)

	current, ok := manager.Runner(0)
	require.True(t, ok)
	assert.Same(t, handle, current, "resuming must not replace the runner")

	for {
		select {
		case data := <-second.sent:
			var sent sentPayload

			require.NoError(t, jsoniter.Unmarshal(data, &sent))
			assert.NotEqual(t, discord.GatewayOpIdentify, sent.Op, "resumed shard identified again")
		default:
			return
		}
	}
}

func TestManagerReturnsFatalAuthentication(t *testing.T) {
	t.Parallel()

	factory := newStubFactory()
	manager := newTestManager(t, ManagerOptions{TransportFactory: factory})

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	result := make(chan error, 1)

	go func() {
		result <- manager.Start(ctx)
	}()

	transport := factory.next(t)
	transport.push(helloFrame(41250))

	nextSent(t, transport, discord.GatewayOpIdentify)

	transport.fail(&CloseError{Code: discord.CloseAuthenticationFailed, Reason: "Authentication failed."})

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrInvalidAuthentication)
	case <-time.After(testTimeout):
		require.FailNow(t, "start never returned")
	}

	assert.Eventually(t, func() bool {
		return !manager.Has(0)
	}, testTimeout, 5*time.Millisecond)

	assert.Eventually(t, func() bool {
		select {
		case <-manager.queuer.done:
			return true
		default:
			return false
		}
	}, testTimeout, 5*time.Millisecond, "queuer was not shut down")
}

func TestManagerIdentifyWindow(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	factory := newStubFactory()
	window := 5 * time.Second

	manager := newTestManager(t, ManagerOptions{
		Clock:            mock,
		TransportFactory: factory,
		ShardInit:        2,
		ShardTotal:       2,
		IdentifyWindow:   window,
	})

	start := mock.Now()

	require.NoError(t, manager.Initialize())

	first := factory.next(t)
	first.push(helloFrame(41250))
	nextSent(t, first, discord.GatewayOpIdentify)

	assert.Equal(t, time.Duration(0), mock.Now().Sub(start))

	var second *stubTransport

	for i := 0; second == nil; i++ {
		require.Less(t, i, 200, "second shard was never started")

		select {
		case second = <-factory.dialed:
		default:
			mock.Add(100 * time.Millisecond)
			time.Sleep(time.Millisecond)
		}
	}

	require.GreaterOrEqual(t, mock.Now().Sub(start), window, "second shard started inside the identify window")

	second.push(helloFrame(41250))
	nextSent(t, second, discord.GatewayOpIdentify)

	assert.GreaterOrEqual(t, mock.Now().Sub(start), window)
}

func TestManagerRestartsZombieShard(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	factory := newStubFactory()
	manager := newTestManager(t, ManagerOptions{Clock: mock, TransportFactory: factory})

	require.NoError(t, manager.Initialize())

	first := factory.next(t)
	first.push(helloFrame(41250))
	nextSent(t, first, discord.GatewayOpIdentify)

	handle := runnerHandle(t, manager, 0)

	mock.Add(testHeartbeatInterval)
	nextSent(t, first, discord.GatewayOpHeartbeat)

	mock.Add(testHeartbeatInterval)

	second := factory.next(t)
	assert.Equal(t, discord.CloseUnknownError, first.CloseCode())

	select {
	case <-handle.Done():
	case <-time.After(testTimeout):
		require.FailNow(t, "zombie runner never exited")
	}

	replacement := runnerHandle(t, manager, 0)
	assert.NotSame(t, handle, replacement)

	second.push(helloFrame(41250))
	nextSent(t, second, discord.GatewayOpIdentify)
}

func TestManagerShutdown(t *testing.T) {
	t.Parallel()

	factory := newStubFactory()
	manager := newTestManager(t, ManagerOptions{TransportFactory: factory})

	require.NoError(t, manager.Initialize())

	transport, handle := identifyShard(t, manager, factory)

	manager.Shutdown(0, 4321)

	assert.Equal(t, 4321, transport.CloseCode())
	assert.False(t, manager.Has(0))
	assert.Empty(t, manager.ShardsInstantiated())

	select {
	case <-handle.Done():
	default:
		assert.Fail(t, "runner still alive after shutdown")
	}

	assert.ErrorIs(t, handle.Messenger.SetStatus(discord.PresenceStatusIdle), ErrRunnerClosed)
}

func TestManagerSetShards(t *testing.T) {
	t.Parallel()

	factory := newStubFactory()
	manager := newTestManager(t, ManagerOptions{TransportFactory: factory})

	require.NoError(t, manager.Initialize())

	identifyShard(t, manager, factory)

	assert.ErrorIs(t, manager.SetShards(1, 2, 2), ErrShardRangeInvalid)

	require.NoError(t, manager.SetShards(0, 2, 2))

	assert.False(t, manager.Has(0))
	assert.Equal(t, int32(2), manager.ShardTotal())

	select {
	case <-factory.dialed:
		assert.Fail(t, "set shards must not start anything")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, manager.Initialize())

	transport := factory.next(t)
	transport.push(helloFrame(41250))

	payload := nextSent(t, transport, discord.GatewayOpIdentify)

	var identify discord.Identify

	require.NoError(t, jsoniter.Unmarshal(payload.Data, &identify))
	assert.Equal(t, int32(2), identify.Shard[1])
}

func TestManagerRunnerCommands(t *testing.T) {
	t.Parallel()

	factory := newStubFactory()
	manager := newTestManager(t, ManagerOptions{TransportFactory: factory})

	require.NoError(t, manager.Initialize())

	transport, handle := identifyShard(t, manager, factory)
	messenger := handle.Messenger

	require.NoError(t, messenger.SetStatus(discord.PresenceStatusDND))

	payload := nextSent(t, transport, discord.GatewayOpStatusUpdate)
	assert.Contains(t, string(payload.Data), `"dnd"`)

	nonce, err := messenger.ChunkGuild(1234, 0, false, nil, nil)
	require.NoError(t, err)
	assert.Len(t, nonce, 32)

	payload = nextSent(t, transport, discord.GatewayOpRequestGuildMembers)
	assert.Contains(t, string(payload.Data), nonce)

	channelID := discord.Snowflake(55)
	require.NoError(t, messenger.UpdateVoiceState(1234, &channelID, false, true))

	payload = nextSent(t, transport, discord.GatewayOpVoiceStateUpdate)
	assert.Contains(t, string(payload.Data), `"self_deaf":true`)

	require.NoError(t, messenger.SendFrame([]byte(`{"op":1,"d":null}`)))
	nextSent(t, transport, discord.GatewayOpHeartbeat)

	// Shutdowns addressed to another shard are ignored.
	require.NoError(t, messenger.Send(ShutdownCommand{ShardID: 9, Code: 1000}))
	require.NoError(t, messenger.SetStatus(discord.PresenceStatusOnline))
	nextSent(t, transport, discord.GatewayOpStatusUpdate)

	require.NoError(t, messenger.Restart())

	second := factory.next(t)
	assert.Equal(t, discord.CloseUnknownError, transport.CloseCode())

	second.push(helloFrame(41250))
	nextSent(t, second, discord.GatewayOpIdentify)
}

type recordingVoice struct {
	mu sync.Mutex

	shardCount   int32
	userID       discord.Snowflake
	registered   map[ShardID]*ShardMessenger
	deregistered []ShardID
	servers      []string
}

func (voice *recordingVoice) Initialise(shardCount int32, userID discord.Snowflake) {
	voice.mu.Lock()
	defer voice.mu.Unlock()

	voice.shardCount = shardCount
	voice.userID = userID
}

func (voice *recordingVoice) RegisterShard(shardID ShardID, messenger *ShardMessenger) {
	voice.mu.Lock()
	defer voice.mu.Unlock()

	voice.registered[shardID] = messenger
}

func (voice *recordingVoice) DeregisterShard(shardID ShardID) {
	voice.mu.Lock()
	defer voice.mu.Unlock()

	voice.deregistered = append(voice.deregistered, shardID)
}

func (voice *recordingVoice) ServerUpdate(_ discord.Snowflake, _ *string, token string) {
	voice.mu.Lock()
	defer voice.mu.Unlock()

	voice.servers = append(voice.servers, token)
}

func (voice *recordingVoice) StateUpdate(discord.Snowflake, *discord.VoiceState) {}

func TestManagerVoiceBoundary(t *testing.T) {
	t.Parallel()

	factory := newStubFactory()
	voice := &recordingVoice{registered: map[ShardID]*ShardMessenger{}}

	manager := newTestManager(t, ManagerOptions{TransportFactory: factory, VoiceManager: voice})

	voice.mu.Lock()
	assert.Equal(t, int32(1), voice.shardCount)
	assert.Equal(t, discord.Snowflake(123456789), voice.userID)
	voice.mu.Unlock()

	require.NoError(t, manager.Initialize())

	transport, handle := identifyShard(t, manager, factory)

	voice.mu.Lock()
	assert.Same(t, handle.Messenger, voice.registered[0])
	voice.mu.Unlock()

	transport.push(dispatchFrame(EventVoiceServerUpdate, 2, `{"token":"voice-token","guild_id":"10","endpoint":"voice.example"}`))

	assert.Eventually(t, func() bool {
		voice.mu.Lock()
		defer voice.mu.Unlock()

		return len(voice.servers) == 1 && voice.servers[0] == "voice-token"
	}, testTimeout, 5*time.Millisecond)

	manager.Shutdown(0, CloseNormalClosure)

	voice.mu.Lock()
	assert.Contains(t, voice.deregistered, ShardID(0))
	voice.mu.Unlock()
}

func TestManagerCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	factory := newStubFactory()
	manager := newTestManager(t, ManagerOptions{TransportFactory: factory})

	require.NoError(t, manager.Initialize())

	transport, _ := identifyShard(t, manager, factory)

	manager.Close()
	manager.Close()

	assert.Equal(t, CloseNormalClosure, transport.CloseCode())
	assert.ErrorIs(t, manager.Wait(context.Background()), ErrManagerClosed)
	assert.ErrorIs(t, manager.Initialize(), ErrManagerClosed)
}

func TestNewManagerValidatesOptions(t *testing.T) {
	t.Parallel()

	_, err := NewManager(ManagerOptions{ShardInit: 1, ShardTotal: 1})
	assert.ErrorIs(t, err, ErrManagerMissingToken)

	_, err = NewManager(ManagerOptions{Token: testToken})
	assert.ErrorIs(t, err, ErrManagerMissingShards)

	_, err = NewManager(ManagerOptions{Token: testToken, ShardIndex: 1, ShardInit: 2, ShardTotal: 2})
	assert.ErrorIs(t, err, ErrShardRangeInvalid)
}

func TestUserIDFromToken(t *testing.T) {
	t.Parallel()

	assert.Equal(t, discord.Snowflake(123456789), userIDFromToken(testToken))
	assert.Equal(t, discord.Snowflake(0), userIDFromToken("!!!.x.y"))
}

// blockingIdentify holds every identify until its context is done.
type blockingIdentify struct {
	entered chan ShardID
}

func (provider *blockingIdentify) Identify(ctx context.Context, request IdentifyRequest) error {
	provider.entered <- request.ShardID

	<-ctx.Done()

	return ctx.Err()
}

func TestManagerShutdownTimesOut(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	factory := newStubFactory()
	provider := &blockingIdentify{entered: make(chan ShardID, 1)}

	manager := newTestManager(t, ManagerOptions{
		Clock:            mock,
		TransportFactory: factory,
		IdentifyProvider: provider,
		ShutdownTimeout:  time.Second,
	})

	require.NoError(t, manager.Initialize())

	transport := factory.next(t)
	transport.push(helloFrame(41250))

	select {
	case <-provider.entered:
	case <-time.After(testTimeout):
		require.FailNow(t, "shard never asked to identify")
	}

	handle := runnerHandle(t, manager, 0)

	finished := make(chan struct{})

	go func() {
		defer close(finished)

		manager.Shutdown(0, CloseNormalClosure)
	}()

	for i := 0; ; i++ {
		require.Less(t, i, 200, "shutdown never gave up on the runner")

		select {
		case <-finished:
		default:
			mock.Add(100 * time.Millisecond)
			time.Sleep(time.Millisecond)

			continue
		}

		break
	}

	assert.False(t, manager.Has(0))

	select {
	case <-handle.Done():
		assert.Fail(t, "blocked runner should still be running")
	default:
	}
}

func TestCollectorsEndWhenRunnerShutsDown(t *testing.T) {
	t.Parallel()

	factory := newStubFactory()
	manager := newTestManager(t, ManagerOptions{TransportFactory: factory})

	require.NoError(t, manager.Initialize())

	_, handle := identifyShard(t, manager, factory)

	stream := CollectMessages(context.Background(), handle.Messenger, CollectorFilter[*discord.MessageCreate]{})

	manager.Shutdown(0, CloseNormalClosure)

	select {
	case _, ok := <-stream:
		assert.False(t, ok, "no message was dispatched")
	case <-time.After(testTimeout):
		require.FailNow(t, "collector outlived its runner")
	}

	late := CollectMessages(context.Background(), handle.Messenger, CollectorFilter[*discord.MessageCreate]{})

	select {
	case _, ok := <-late:
		assert.False(t, ok)
	case <-time.After(testTimeout):
		require.FailNow(t, "collector on an exited runner stayed open")
	}

	assert.Zero(t, handle.Messenger.collectors.count())
}

func TestManagerReplacesLiveRunner(t *testing.T) {
	t.Parallel()

	factory := newStubFactory()
	voice := &recordingVoice{registered: map[ShardID]*ShardMessenger{}}

	manager := newTestManager(t, ManagerOptions{TransportFactory: factory, VoiceManager: voice})

	require.NoError(t, manager.Initialize())

	first, handle := identifyShard(t, manager, factory)

	// Starting a shard that is already running replaces its runner.
	require.NoError(t, manager.Initialize())

	second := factory.next(t)

	select {
	case <-handle.Done():
	default:
		assert.Fail(t, "replacement dialed before the previous runner exited")
	}

	assert.Equal(t, discord.CloseUnknownError, first.CloseCode())

	second.push(helloFrame(41250))
	nextSent(t, second, discord.GatewayOpIdentify)
	second.push(readyFrame(1, "T", ""))

	replacement := runnerHandle(t, manager, 0)
	require.NotSame(t, handle, replacement)

	assert.Eventually(t, func() bool {
		voice.mu.Lock()
		defer voice.mu.Unlock()

		return voice.registered[0] == replacement.Messenger
	}, testTimeout, 5*time.Millisecond)

	voice.mu.Lock()
	assert.Equal(t, []ShardID{0}, voice.deregistered)
	voice.mu.Unlock()
}

func TestRunnerKeepsVoiceRegistrationOfReplacement(t *testing.T) {
	t.Parallel()

	voice := &recordingVoice{registered: map[ShardID]*ShardMessenger{}}
	replaced := false

	runner := newShardRunner(shardRunnerOptions{
		logger:   zerolog.Nop(),
		clock:    clock.NewMock(),
		shard:    NewShard(ShardOptions{Logger: zerolog.Nop(), Info: ShardInfo{ID: 3, Total: 4}}),
		handle:   newRunnerHandle(3),
		voice:    voice,
		report:   func(shardReport) {},
		replaced: func(*RunnerHandle) bool { return replaced },
	})

	replaced = true
	runner.deregisterVoice()

	voice.mu.Lock()
	assert.Empty(t, voice.deregistered)
	voice.mu.Unlock()

	replaced = false
	runner.deregisterVoice()

	voice.mu.Lock()
	assert.Equal(t, []ShardID{3}, voice.deregistered)
	voice.mu.Unlock()
}

func TestManagerRunnerForGuild(t *testing.T) {
	t.Parallel()

	factory := newStubFactory()
	manager := newTestManager(t, ManagerOptions{TransportFactory: factory})

	_, ok := manager.RunnerForGuild(41771983423143937)
	assert.False(t, ok)

	require.NoError(t, manager.Initialize())

	_, handle := identifyShard(t, manager, factory)

	got, ok := manager.RunnerForGuild(41771983423143937)
	require.True(t, ok)
	assert.Same(t, handle, got)
}

func TestManagerSetShardsDropsPendingStarts(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	factory := newStubFactory()

	manager := newTestManager(t, ManagerOptions{
		Clock:            mock,
		TransportFactory: factory,
		ShardInit:        1,
		ShardTotal:       2,
		MaxConcurrency:   2,
	})

	// Shard 0 waits for bucket 1 to fill before it is started.
	require.NoError(t, manager.Initialize())
	require.NoError(t, manager.SetShards(1, 1, 2))

	time.Sleep(10 * time.Millisecond)

	for i := 0; i < 10; i++ {
		mock.Add(QueuerBatchWait)
		time.Sleep(time.Millisecond)
	}

	select {
	case <-factory.dialed:
		require.FailNow(t, "a start queued before SetShards was run")
	default:
	}

	require.NoError(t, manager.Initialize())

	var transport *stubTransport

	for i := 0; transport == nil; i++ {
		require.Less(t, i, 200, "shard 1 was never started")

		select {
		case transport = <-factory.dialed:
		default:
			mock.Add(QueuerBatchWait)
			time.Sleep(time.Millisecond)
		}
	}

	transport.push(helloFrame(41250))

	payload := nextSent(t, transport, discord.GatewayOpIdentify)

	var identify discord.Identify

	require.NoError(t, jsoniter.Unmarshal(payload.Data, &identify))
	assert.Equal(t, [2]int32{1, 2}, identify.Shard)

	select {
	case <-factory.dialed:
		assert.Fail(t, "a dropped start was run")
	case <-time.After(50 * time.Millisecond):
	}
}
