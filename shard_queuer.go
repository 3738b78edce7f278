package gateway

import (
	"context"
	"time"

	"github.com/WelcomerTeam/Discord/discord"
	"github.com/WelcomerTeam/Sandwich-Gateway/pkg/limiter"
	"github.com/WelcomerTeam/Sandwich-Gateway/pkg/syncmap"
	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

var (
	// DefaultIdentifyWindow is the time between identifies in one bucket.
	DefaultIdentifyWindow = 5 * time.Second

	// QueuerBatchWait is how long the queuer waits for more concurrent starts
	// before starting a partially filled batch.
	QueuerBatchWait = 5 * time.Second
)

// ShardQueue holds pending starts, one FIFO per identify bucket.
type ShardQueue struct {
	buckets [][]ShardID
}

func NewShardQueue(maxConcurrency int32) *ShardQueue {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}

	return &ShardQueue{
		buckets: make([][]ShardID, maxConcurrency),
	}
}

func (queue *ShardQueue) bucket(shardID ShardID) int {
	return int(shardID) % len(queue.buckets)
}

func (queue *ShardQueue) PushBack(shardID ShardID) {
	bucket := queue.bucket(shardID)
	queue.buckets[bucket] = append(queue.buckets[bucket], shardID)
}

func (queue *ShardQueue) PushFront(shardID ShardID) {
	bucket := queue.bucket(shardID)
	queue.buckets[bucket] = append([]ShardID{shardID}, queue.buckets[bucket]...)
}

// PopBatch takes the head of every bucket.
func (queue *ShardQueue) PopBatch() []ShardID {
	batch := make([]ShardID, 0, len(queue.buckets))

	for i, bucket := range queue.buckets {
		if len(bucket) == 0 {
			continue
		}

		batch = append(batch, bucket[0])
		queue.buckets[i] = bucket[1:]
	}

	return batch
}

// BucketsFilled reports whether every bucket has a pending start.
func (queue *ShardQueue) BucketsFilled() bool {
	for _, bucket := range queue.buckets {
		if len(bucket) == 0 {
			return false
		}
	}

	return true
}

func (queue *ShardQueue) Len() int {
	count := 0

	for _, bucket := range queue.buckets {
		count += len(bucket)
	}

	return count
}

// queuerCommand is sent from the manager to the queuer.
type queuerCommand interface {
	queuerCommand()
}

type queuerSetTotal struct {
	total int32
}

type queuerStart struct {
	shardID    ShardID
	concurrent bool
}

// queuerSetGateway replaces the url and identify concurrency learned from
// the REST lookup.
type queuerSetGateway struct {
	url            string
	maxConcurrency int32
}

type queuerShutdown struct{}

func (queuerSetTotal) queuerCommand()   {}
func (queuerStart) queuerCommand()      {}
func (queuerSetGateway) queuerCommand() {}
func (queuerShutdown) queuerCommand()   {}

type shardQueuerOptions struct {
	logger     zerolog.Logger
	clock      clock.Clock
	options    ManagerOptions
	runners    *syncmap.Map[ShardID, *RunnerHandle]
	dispatcher *dispatcher
	report     func(report shardReport)
}

// shardQueuer starts shards one identify window apart per bucket. It is the
// only writer of new runners into the registry.
type shardQueuer struct {
	logger zerolog.Logger
	clock  clock.Clock

	options    ManagerOptions
	runners    *syncmap.Map[ShardID, *RunnerHandle]
	dispatcher *dispatcher
	report     func(report shardReport)

	commands chan queuerCommand
	done     chan struct{}

	queue   *ShardQueue
	limiter *limiter.DurationLimiter

	total int32
}

func newShardQueuer(options shardQueuerOptions) *shardQueuer {
	return &shardQueuer{
		logger: options.logger.With().Str("component", "queuer").Logger(),
		clock:  options.clock,

		options:    options.options,
		runners:    options.runners,
		dispatcher: options.dispatcher,
		report:     options.report,

		commands: make(chan queuerCommand, 64),
		done:     make(chan struct{}),

		queue:   NewShardQueue(options.options.MaxConcurrency),
		limiter: limiter.NewDurationLimiter("identify", options.clock, 1, options.options.IdentifyWindow),

		total: options.options.ShardTotal,
	}
}

// send queues a command unless the queuer has exited.
func (queuer *shardQueuer) send(command queuerCommand) bool {
	select {
	case <-queuer.done:
		return false
	default:
	}

	select {
	case queuer.commands <- command:
		return true
	case <-queuer.done:
		return false
	}
}

func (queuer *shardQueuer) run(ctx context.Context) {
	defer close(queuer.done)

	queuer.logger.Debug().Msg("Shard queuer is starting")

	for {
		select {
		case <-ctx.Done():
			queuer.shutdownRunners()

			return
		case command := <-queuer.commands:
			switch command := command.(type) {
			case queuerSetTotal:
				// Pending starts belong to the old range.
				if pending := queuer.queue.Len(); pending > 0 {
					queuer.logger.Debug().Int("pending", pending).Msg("Dropping pending starts")
				}

				queuer.queue = NewShardQueue(queuer.options.MaxConcurrency)
				queuer.total = command.total
			case queuerSetGateway:
				queuer.setGateway(command.url, command.maxConcurrency)
			case queuerStart:
				if command.concurrent {
					queuer.queue.PushBack(command.shardID)

					if queuer.queue.BucketsFilled() {
						queuer.startBatch(ctx, queuer.queue.PopBatch())
					}
				} else {
					queuer.startBatch(ctx, []ShardID{command.shardID})
				}
			case queuerShutdown:
				queuer.logger.Debug().Int("pending", queuer.queue.Len()).Msg("Shard queuer is shutting down")

				queuer.queue = NewShardQueue(queuer.options.MaxConcurrency)
				queuer.shutdownRunners()

				return
			}
		case <-queuer.clock.After(QueuerBatchWait):
			queuer.startBatch(ctx, queuer.queue.PopBatch())
		}
	}
}

// setGateway moves pending starts into buckets for the new concurrency.
func (queuer *shardQueuer) setGateway(url string, maxConcurrency int32) {
	if url != "" {
		queuer.options.GatewayURL = url
	}

	if maxConcurrency < 1 || maxConcurrency == queuer.options.MaxConcurrency {
		return
	}

	queuer.options.MaxConcurrency = maxConcurrency

	pending := queuer.queue
	queuer.queue = NewShardQueue(maxConcurrency)

	for pending.Len() > 0 {
		for _, shardID := range pending.PopBatch() {
			queuer.queue.PushBack(shardID)
		}
	}
}

// startBatch waits out the identify window, then starts every shard of the
// batch. Shards that fail to start are queued again at the back.
func (queuer *shardQueuer) startBatch(ctx context.Context, batch []ShardID) {
	if len(batch) == 0 {
		return
	}

	if err := queuer.limiter.Lock(ctx); err != nil {
		return
	}

	queuer.logger.Debug().Int("size", len(batch)).Msg("Starting batch of shards")

	for _, shardID := range batch {
		if err := queuer.start(ctx, shardID); err != nil {
			queuer.logger.Warn().Err(err).Int32("shard_id", int32(shardID)).Msg("Failed to start shard, requeueing")

			queuer.queue.PushBack(shardID)
		}
	}
}

func (queuer *shardQueuer) start(ctx context.Context, shardID ShardID) error {
	options := queuer.options

	if previous, ok := queuer.runners.Load(shardID); ok {
		queuer.stopPrevious(ctx, shardID, previous)
	}

	shard := NewShard(ShardOptions{
		Logger:           queuer.logger,
		Clock:            queuer.clock,
		Codec:            options.Codec,
		Factory:          options.TransportFactory,
		IdentifyProvider: options.IdentifyProvider,
		Presence:         options.Presence,

		Token:      options.Token,
		GatewayURL: options.GatewayURL,

		Info:           ShardInfo{ID: shardID, Total: queuer.total},
		MaxConcurrency: options.MaxConcurrency,
		LargeThreshold: options.LargeThreshold,
		Intents:        options.Intents,
		Compress:       options.Compress,
	})

	if err := shard.Connect(ctx); err != nil {
		return err
	}

	handle := newRunnerHandle(shardID)

	runner := newShardRunner(shardRunnerOptions{
		logger:      queuer.options.Logger,
		clock:       queuer.clock,
		shard:       shard,
		handle:      handle,
		dispatcher:  queuer.dispatcher,
		voice:       options.VoiceManager,
		report:      queuer.report,
		readTimeout: options.ReadTimeout,
		replaced: func(handle *RunnerHandle) bool {
			current, ok := queuer.runners.Load(shardID)

			return ok && current != handle
		},
	})

	queuer.runners.Store(shardID, handle)
	UpdateShardsActive(queuer.runners.Count())

	go runner.Run(ctx)

	return nil
}

// stopPrevious shuts down a runner still registered for shardID and waits
// for it to exit, up to the shutdown timeout, so two sessions of one shard
// never overlap.
func (queuer *shardQueuer) stopPrevious(ctx context.Context, shardID ShardID, previous *RunnerHandle) {
	queuer.logger.Warn().Int32("shard_id", int32(shardID)).Msg("Replacing a live shard runner")

	if err := previous.Messenger.Shutdown(discord.CloseUnknownError); err != nil {
		queuer.logger.Debug().Err(err).Int32("shard_id", int32(shardID)).Msg("Previous runner already exited")
	}

	select {
	case <-previous.Done():
	case <-ctx.Done():
	case <-queuer.clock.After(queuer.options.ShutdownTimeout):
		queuer.logger.Warn().Int32("shard_id", int32(shardID)).Msg("Timed out waiting for previous runner")
	}
}

// shutdownRunners signals every registered runner without waiting.
func (queuer *shardQueuer) shutdownRunners() {
	queuer.runners.Range(func(shardID ShardID, handle *RunnerHandle) bool {
		if err := handle.Messenger.Shutdown(CloseNormalClosure); err != nil {
			queuer.logger.Debug().Err(err).Int32("shard_id", int32(shardID)).Msg("Failed to signal shard runner")
		}

		return true
	})
}
