package gateway

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/WelcomerTeam/Discord/discord"
)

// CollectorCallback is offered every event a shard dispatches, in order. It
// stays registered for as long as it returns true.
type CollectorCallback func(event *Event) bool

type collectorBus struct {
	mu        sync.Mutex
	callbacks []CollectorCallback

	// done is closed once the owning runner has exited.
	done   chan struct{}
	closed bool
}

func newCollectorBus() *collectorBus {
	return &collectorBus{done: make(chan struct{})}
}

// add is a no-op once the bus is closed.
func (bus *collectorBus) add(callback CollectorCallback) {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	if bus.closed {
		return
	}

	bus.callbacks = append(bus.callbacks, callback)

	EventMetrics.CollectorsActive.Inc()
}

// close drops every callback and ends the streams of collectors built on
// the bus.
func (bus *collectorBus) close() {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	if bus.closed {
		return
	}

	bus.closed = true
	close(bus.done)

	EventMetrics.CollectorsActive.Sub(float64(len(bus.callbacks)))

	bus.callbacks = nil
}

// offer runs every callback outside the lock, so a callback may register
// further collectors. Callbacks registered meanwhile are kept.
func (bus *collectorBus) offer(event *Event) {
	bus.mu.Lock()
	callbacks := bus.callbacks
	bus.mu.Unlock()

	if len(callbacks) == 0 {
		return
	}

	keep := make([]bool, len(callbacks))

	for i, callback := range callbacks {
		keep[i] = callback(event)
	}

	bus.mu.Lock()

	if bus.closed {
		bus.mu.Unlock()

		return
	}

	retained := make([]CollectorCallback, 0, len(bus.callbacks))

	for i, callback := range callbacks {
		if keep[i] {
			retained = append(retained, callback)
		}
	}

	removed := len(callbacks) - len(retained)

	retained = append(retained, bus.callbacks[len(callbacks):]...)
	bus.callbacks = retained

	bus.mu.Unlock()

	EventMetrics.CollectorsActive.Sub(float64(removed))
}

func (bus *collectorBus) count() int {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	return len(bus.callbacks)
}

// DefaultCollectorBuffer is used when a collector does not set a buffer.
var DefaultCollectorBuffer = 32

// CollectOptions bound the lifetime of a collector.
type CollectOptions struct {
	// Timeout closes the stream once elapsed. Zero means no timeout.
	Timeout time.Duration

	// Limit closes the stream after this many items. Zero means no limit.
	Limit int

	// Buffer is the stream capacity. A subscriber that lets the buffer fill
	// up is dropped.
	Buffer int
}

type subscription[T any] struct {
	mu sync.Mutex

	values  chan T
	stopped chan struct{}

	delivered int
	limit     int
	closed    bool
}

func (sub *subscription[T]) close() {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	sub.closeLocked()
}

func (sub *subscription[T]) closeLocked() {
	if sub.closed {
		return
	}

	sub.closed = true

	close(sub.values)
	close(sub.stopped)
}

func (sub *subscription[T]) isClosed() bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	return sub.closed
}

func (sub *subscription[T]) offer(value T) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	if sub.closed {
		return false
	}

	select {
	case sub.values <- value:
	default:
		sub.closeLocked()

		return false
	}

	sub.delivered++

	if sub.limit > 0 && sub.delivered >= sub.limit {
		sub.closeLocked()

		return false
	}

	return true
}

// Collect subscribes to the events dispatched by a shard. extract projects
// an event into the collected value, returning false for events that are not
// wanted. The returned stream is closed when ctx is done, the timeout
// elapses, the limit is reached, the subscriber falls behind or the shard's
// runner exits. The subscription is removed from the shard on the next event
// after that.
func Collect[T any](ctx context.Context, messenger *ShardMessenger, options CollectOptions, extract func(event *Event) (T, bool)) <-chan T {
	buffer := options.Buffer
	if buffer <= 0 {
		buffer = DefaultCollectorBuffer
	}

	sub := &subscription[T]{
		values:  make(chan T, buffer),
		stopped: make(chan struct{}),
		limit:   options.Limit,
	}

	var cancel context.CancelFunc

	if options.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, options.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	go func() {
		defer cancel()

		select {
		case <-ctx.Done():
			sub.close()
		case <-messenger.collectors.done:
			sub.close()
		case <-sub.stopped:
		}
	}()

	messenger.AddCollector(func(event *Event) bool {
		value, ok := extract(event)
		if !ok {
			return !sub.isClosed()
		}

		return sub.offer(value)
	})

	return sub.values
}

// CollectorFilter narrows a derived collector. Zero values match everything.
type CollectorFilter[T any] struct {
	// Filter is checked after every other field.
	Filter func(value T) bool

	CustomIDs []string

	AuthorID  discord.Snowflake
	ChannelID discord.Snowflake
	GuildID   discord.Snowflake
	MessageID discord.Snowflake

	Timeout time.Duration
	Limit   int
	Buffer  int
}

func (filter CollectorFilter[T]) options() CollectOptions {
	return CollectOptions{
		Timeout: filter.Timeout,
		Limit:   filter.Limit,
		Buffer:  filter.Buffer,
	}
}

func (filter CollectorFilter[T]) custom(value T) bool {
	return filter.Filter == nil || filter.Filter(value)
}

// snowflakeMatches compares a filter id against any of the typed ids, such as
// discord.ChannelID or discord.UserID.
func snowflakeMatches[ID ~int64](want discord.Snowflake, got ID) bool {
	return want == 0 || want == discord.Snowflake(got)
}

// optionalSnowflakeMatches treats a missing value as a match, such as the
// guild of a direct message.
func optionalSnowflakeMatches[ID ~int64](want discord.Snowflake, got *ID) bool {
	return got == nil || *got == 0 || snowflakeMatches(want, *got)
}

// interactionAuthor is the member's user in a guild and the user in a DM.
func interactionAuthor(interaction *discord.InteractionCreate) *discord.User {
	if interaction.Member != nil && interaction.Member.User != nil {
		return interaction.Member.User
	}

	return interaction.User
}

func customIDMatches(want []string, data *discord.InteractionData) bool {
	if len(want) == 0 {
		return true
	}

	return data != nil && slices.Contains(want, data.CustomID)
}

// CollectMessages collects created messages.
func CollectMessages(ctx context.Context, messenger *ShardMessenger, filter CollectorFilter[*discord.MessageCreate]) <-chan *discord.MessageCreate {
	return Collect(ctx, messenger, filter.options(), func(event *Event) (*discord.MessageCreate, bool) {
		message, ok := event.Data.(*discord.MessageCreate)
		if !ok {
			return nil, false
		}

		if !snowflakeMatches(filter.AuthorID, message.Author.ID) ||
			!snowflakeMatches(filter.ChannelID, message.ChannelID) ||
			!optionalSnowflakeMatches(filter.GuildID, message.GuildID) ||
			!snowflakeMatches(filter.MessageID, message.ID) {
			return nil, false
		}

		return message, filter.custom(message)
	})
}

// CollectReactions collects added reactions.
func CollectReactions(ctx context.Context, messenger *ShardMessenger, filter CollectorFilter[*discord.MessageReactionAdd]) <-chan *discord.MessageReactionAdd {
	return Collect(ctx, messenger, filter.options(), func(event *Event) (*discord.MessageReactionAdd, bool) {
		reaction, ok := event.Data.(*discord.MessageReactionAdd)
		if !ok {
			return nil, false
		}

		if !snowflakeMatches(filter.AuthorID, reaction.UserID) ||
			!snowflakeMatches(filter.ChannelID, reaction.ChannelID) ||
			!optionalSnowflakeMatches(filter.GuildID, &reaction.GuildID) ||
			!snowflakeMatches(filter.MessageID, reaction.MessageID) {
			return nil, false
		}

		return reaction, filter.custom(reaction)
	})
}

// CollectComponentInteractions collects button and select menu interactions.
func CollectComponentInteractions(ctx context.Context, messenger *ShardMessenger, filter CollectorFilter[*discord.InteractionCreate]) <-chan *discord.InteractionCreate {
	return collectInteractions(ctx, messenger, discord.InteractionTypeMessageComponent, filter)
}

// CollectModalInteractions collects modal submissions.
func CollectModalInteractions(ctx context.Context, messenger *ShardMessenger, filter CollectorFilter[*discord.InteractionCreate]) <-chan *discord.InteractionCreate {
	return collectInteractions(ctx, messenger, discord.InteractionTypeModalSubmit, filter)
}

func collectInteractions(ctx context.Context, messenger *ShardMessenger, interactionType discord.InteractionType, filter CollectorFilter[*discord.InteractionCreate]) <-chan *discord.InteractionCreate {
	return Collect(ctx, messenger, filter.options(), func(event *Event) (*discord.InteractionCreate, bool) {
		interaction, ok := event.Data.(*discord.InteractionCreate)
		if !ok || interaction.Type != interactionType {
			return nil, false
		}

		if filter.AuthorID != 0 {
			author := interactionAuthor(interaction)
			if author == nil || !snowflakeMatches(filter.AuthorID, author.ID) {
				return nil, false
			}
		}

		if !optionalSnowflakeMatches(filter.ChannelID, interaction.ChannelID) ||
			!optionalSnowflakeMatches(filter.GuildID, interaction.GuildID) {
			return nil, false
		}

		if interaction.Message != nil && !snowflakeMatches(filter.MessageID, interaction.Message.ID) {
			return nil, false
		}

		if !customIDMatches(filter.CustomIDs, interaction.Data) {
			return nil, false
		}

		return interaction, filter.custom(interaction)
	})
}

// CollectEvents collects raw events of the given types, or of every type
// when none are given.
func CollectEvents(ctx context.Context, messenger *ShardMessenger, eventTypes []string, filter CollectorFilter[*Event]) <-chan *Event {
	return Collect(ctx, messenger, filter.options(), func(event *Event) (*Event, bool) {
		if len(eventTypes) > 0 && !slices.Contains(eventTypes, event.Type) {
			return nil, false
		}

		return event, filter.custom(event)
	})
}
