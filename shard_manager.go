package gateway

import (
	"context"
	"encoding/base64"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/WelcomerTeam/Discord/discord"
	"github.com/WelcomerTeam/Sandwich-Gateway/pkg/limiter"
	"github.com/WelcomerTeam/Sandwich-Gateway/pkg/syncmap"
	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// DefaultShutdownTimeout bounds how long Shutdown waits for a runner.
var DefaultShutdownTimeout = 5 * time.Second

// ManagerOptions configures a Manager and every shard it starts.
type ManagerOptions struct {
	Logger zerolog.Logger
	Clock  clock.Clock

	Codec            Codec
	TransportFactory TransportFactory
	IdentifyProvider IdentifyProvider
	VoiceManager     VoiceGatewayManager

	Handlers     *EventHandlers
	PanicHandler PanicHandler

	// HandlerConcurrency bounds how many handler goroutines run at once.
	// Zero means unbounded.
	HandlerConcurrency int

	Presence *discord.UpdateStatus

	Token      string
	GatewayURL string
	Intents    discord.GatewayIntent

	ShardIndex     int32
	ShardInit      int32
	ShardTotal     int32
	MaxConcurrency int32
	LargeThreshold int32

	IdentifyWindow  time.Duration
	ShutdownTimeout time.Duration
	ReadTimeout     time.Duration

	Compress bool
}

// Autoshard fills the gateway url, shard count and identify concurrency from
// the REST lookup. Shards already chosen by the caller are kept.
func (options *ManagerOptions) Autoshard(ctx context.Context, client *RESTClient) error {
	gatewayBot, err := client.GetGatewayBot(ctx)
	if err != nil {
		return err
	}

	if gatewayBot.URL != "" {
		options.GatewayURL = gatewayBot.URL
	}

	if gatewayBot.SessionStartLimit.MaxConcurrency > 0 {
		options.MaxConcurrency = gatewayBot.SessionStartLimit.MaxConcurrency
	}

	options.ShardTotal = gatewayBot.Shards

	if options.ShardInit == 0 {
		options.ShardIndex = 0
		options.ShardInit = gatewayBot.Shards
	}

	return nil
}

// Manager owns the runner registry and the queuer. Runners never hold a
// reference to it; they report over a channel.
type Manager struct {
	logger zerolog.Logger
	clock  clock.Clock

	options ManagerOptions

	ctx    context.Context
	cancel context.CancelFunc

	queuer  *shardQueuer
	runners *syncmap.Map[ShardID, *RunnerHandle]
	reports chan shardReport

	result     chan error
	resultOnce sync.Once
	closeOnce  sync.Once

	mu             sync.RWMutex
	shardIndex     int32
	shardInit      int32
	shardTotal     int32
	maxConcurrency int32
}

func NewManager(options ManagerOptions) (*Manager, error) {
	if options.Token == "" {
		return nil, ErrManagerMissingToken
	}

	if options.ShardTotal < 1 || options.ShardInit < 1 {
		return nil, ErrManagerMissingShards
	}

	if options.ShardIndex < 0 || options.ShardIndex+options.ShardInit > options.ShardTotal {
		return nil, ErrShardRangeInvalid
	}

	if options.Clock == nil {
		options.Clock = clock.New()
	}

	if options.IdentifyWindow <= 0 {
		options.IdentifyWindow = DefaultIdentifyWindow
	}

	if options.ShutdownTimeout <= 0 {
		options.ShutdownTimeout = DefaultShutdownTimeout
	}

	if options.MaxConcurrency < 1 {
		options.MaxConcurrency = 1
	}

	options.Token = strings.TrimPrefix(options.Token, "Bot ")

	ctx, cancel := context.WithCancel(context.Background())

	manager := &Manager{
		logger: options.Logger.With().Str("component", "manager").Logger(),
		clock:  options.Clock,

		options: options,

		ctx:    ctx,
		cancel: cancel,

		runners: &syncmap.Map[ShardID, *RunnerHandle]{},
		reports: make(chan shardReport, 64),

		result: make(chan error, 1),

		shardIndex:     options.ShardIndex,
		shardInit:      options.ShardInit,
		shardTotal:     options.ShardTotal,
		maxConcurrency: options.MaxConcurrency,
	}

	shardDispatcher := &dispatcher{
		handlers:     options.Handlers,
		panicHandler: options.PanicHandler,
	}

	if options.HandlerConcurrency > 0 {
		shardDispatcher.limiter = limiter.NewConcurrencyLimiter("handlers", options.HandlerConcurrency)
	}

	manager.queuer = newShardQueuer(shardQueuerOptions{
		logger:     options.Logger,
		clock:      options.Clock,
		options:    options,
		runners:    manager.runners,
		dispatcher: shardDispatcher,
		report:     manager.report,
	})

	if options.VoiceManager != nil {
		options.VoiceManager.Initialise(options.ShardTotal, userIDFromToken(options.Token))
	}

	go manager.queuer.run(ctx)
	go manager.listen(ctx)

	return manager, nil
}

// report is handed to runners. Reports after Close are dropped.
func (manager *Manager) report(report shardReport) {
	select {
	case manager.reports <- report:
	case <-manager.ctx.Done():
	}
}

func (manager *Manager) listen(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case report := <-manager.reports:
			manager.handleReport(report)
		}
	}
}

func (manager *Manager) handleReport(report shardReport) {
	current, ok := manager.runners.Load(report.shardID)
	if !ok || current != report.handle {
		return
	}

	switch report.kind {
	case reportStatus:
		manager.UpdateShardLatencyAndStage(report.shardID, report.latency, report.hasLatency, report.stage)
	case reportRestart:
		RecordShardRestart(report.shardID)

		go manager.Restart(report.shardID)
	case reportShutdownFinished:
		manager.logger.Debug().Int32("shard_id", int32(report.shardID)).Msg("Shard finished shutting down")
	case reportFatal:
		manager.returnWithValue(report.err)

		go manager.ShutdownAll()
	}
}

// Initialize queues a start for every shard in [index, index+init).
func (manager *Manager) Initialize() error {
	manager.mu.RLock()
	index, count, total := manager.shardIndex, manager.shardInit, manager.shardTotal
	concurrent := manager.maxConcurrency > 1
	manager.mu.RUnlock()

	manager.logger.Info().
		Int32("index", index).Int32("init", count).Int32("total", total).
		Msg("Initializing shards")

	for shardID := index; shardID < index+count; shardID++ {
		if !manager.queuer.send(queuerStart{shardID: ShardID(shardID), concurrent: concurrent}) {
			return ErrManagerClosed
		}
	}

	return nil
}

// Restart shuts the shard down with 4000 and queues it to start again.
func (manager *Manager) Restart(shardID ShardID) {
	manager.logger.Info().Int32("shard_id", int32(shardID)).Msg("Restarting shard")

	manager.Shutdown(shardID, discord.CloseUnknownError)

	if !manager.queuer.send(queuerStart{shardID: shardID}) {
		manager.logger.Debug().Int32("shard_id", int32(shardID)).Msg("Queuer closed, not restarting shard")
	}
}

// Shutdown stops a runner and waits for it to exit, up to the shutdown
// timeout. The registry slot is reclaimed either way.
func (manager *Manager) Shutdown(shardID ShardID, code int) {
	handle, ok := manager.runners.Load(shardID)
	if !ok {
		return
	}

	manager.logger.Info().Int32("shard_id", int32(shardID)).Int("code", code).Msg("Shutting down shard")

	if err := handle.Messenger.Shutdown(code); err != nil {
		manager.logger.Debug().Err(err).Int32("shard_id", int32(shardID)).Msg("Runner already exited")
	}

	select {
	case <-handle.Done():
	case <-manager.clock.After(manager.options.ShutdownTimeout):
		manager.logger.Warn().Int32("shard_id", int32(shardID)).Msg("Timed out waiting for shard to shut down")
	}

	manager.runners.CompareAndDelete(shardID, handle, func(a, b *RunnerHandle) bool { return a == b })

	UpdateShardsActive(manager.runners.Count())
}

// ShutdownAll stops every live shard with 1000 and then stops the queuer.
func (manager *Manager) ShutdownAll() {
	manager.shutdownRunners()

	manager.queuer.send(queuerShutdown{})
}

func (manager *Manager) shutdownRunners() {
	shardIDs := manager.runners.Keys()

	var wg sync.WaitGroup

	for _, shardID := range shardIDs {
		wg.Add(1)

		go func(shardID ShardID) {
			defer wg.Done()

			manager.Shutdown(shardID, CloseNormalClosure)
		}(shardID)
	}

	wg.Wait()
}

// SetShards stops every shard and changes the range to run. Nothing is
// started until Initialize is called again.
func (manager *Manager) SetShards(index, count, total int32) error {
	if total < 1 || count < 1 || index < 0 || index+count > total {
		return ErrShardRangeInvalid
	}

	manager.shutdownRunners()

	manager.mu.Lock()
	manager.shardIndex = index
	manager.shardInit = count
	manager.shardTotal = total
	manager.mu.Unlock()

	if !manager.queuer.send(queuerSetTotal{total: total}) {
		return ErrManagerClosed
	}

	return nil
}

func (manager *Manager) Has(shardID ShardID) bool {
	_, ok := manager.runners.Load(shardID)

	return ok
}

// ShardsInstantiated returns the ids of every live runner.
func (manager *Manager) ShardsInstantiated() []ShardID {
	return manager.runners.Keys()
}

func (manager *Manager) Runner(shardID ShardID) (*RunnerHandle, bool) {
	return manager.runners.Load(shardID)
}

// RunnerForGuild returns the runner of the shard a guild's events arrive on,
// such as for sending a voice state update.
func (manager *Manager) RunnerForGuild(guildID discord.Snowflake) (*RunnerHandle, bool) {
	return manager.runners.Load(ShardID(ShardIDForGuild(guildID, manager.ShardTotal())))
}

// ShardTotal is the total the next started shard identifies with.
func (manager *Manager) ShardTotal() int32 {
	manager.mu.RLock()
	defer manager.mu.RUnlock()

	return manager.shardTotal
}

func (manager *Manager) UpdateShardLatencyAndStage(shardID ShardID, latency time.Duration, hasLatency bool, stage ConnectionStage) {
	handle, ok := manager.runners.Load(shardID)
	if !ok {
		return
	}

	handle.update(latency, hasLatency, stage)

	UpdateShardStage(shardID, stage)

	if hasLatency {
		UpdateGatewayLatency(shardID, latency)
	}
}

// returnWithValue hands the first terminal result to Wait. Later values are
// dropped.
func (manager *Manager) returnWithValue(err error) {
	manager.resultOnce.Do(func() {
		manager.result <- err
	})
}

// Wait blocks until a shard fails fatally, the manager is closed or ctx is
// done.
func (manager *Manager) Wait(ctx context.Context) error {
	select {
	case err := <-manager.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start initializes every shard and blocks like Wait.
func (manager *Manager) Start(ctx context.Context) error {
	if err := manager.Initialize(); err != nil {
		return err
	}

	return manager.Wait(ctx)
}

// StartAutosharded asks the REST api for the shard count before starting.
// Only possible before the first Initialize.
func (manager *Manager) StartAutosharded(ctx context.Context, client *RESTClient) error {
	options := manager.options
	options.ShardInit = 0

	if err := options.Autoshard(ctx, client); err != nil {
		return err
	}

	manager.mu.Lock()
	manager.maxConcurrency = options.MaxConcurrency
	manager.mu.Unlock()

	if !manager.queuer.send(queuerSetGateway{url: options.GatewayURL, maxConcurrency: options.MaxConcurrency}) {
		return ErrManagerClosed
	}

	if err := manager.SetShards(options.ShardIndex, options.ShardInit, options.ShardTotal); err != nil {
		return err
	}

	return manager.Start(ctx)
}

// Close shuts every shard down and releases the manager. It is safe to call
// more than once.
func (manager *Manager) Close() {
	manager.closeOnce.Do(func() {
		manager.ShutdownAll()
		manager.cancel()

		<-manager.queuer.done

		manager.returnWithValue(ErrManagerClosed)
	})
}

// userIDFromToken reads the bot's user id from the first segment of its
// token.
func userIDFromToken(token string) discord.Snowflake {
	segment, _, _ := strings.Cut(token, ".")

	decoded, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(segment, "="))
	if err != nil {
		return 0
	}

	userID, err := strconv.ParseInt(string(decoded), 10, 64)
	if err != nil {
		return 0
	}

	return discord.Snowflake(userID)
}
