package gateway

import (
	"context"

	"github.com/WelcomerTeam/Discord/discord"
	"github.com/WelcomerTeam/Sandwich-Gateway/pkg/limiter"
	"github.com/rs/zerolog"
)

// PanicHandler receives panics recovered from event handlers.
type PanicHandler func(logger zerolog.Logger, recovered any)

// EventContext is handed to every event handler.
type EventContext struct {
	context.Context

	Logger    zerolog.Logger
	Messenger *ShardMessenger
	ShardID   ShardID
}

// EventHandlers is the set of callbacks events are dispatched to. Nil
// callbacks are skipped.
type EventHandlers struct {
	// PreFilter runs before any other callback. Returning false drops the
	// event for every handler.
	PreFilter func(ctx *EventContext, event *Event) bool

	// OnRaw receives every event, including ones with no typed callback.
	OnRaw func(ctx *EventContext, event *Event)

	OnReady                 func(ctx *EventContext, ready *discord.Ready)
	OnResumed               func(ctx *EventContext)
	OnMessageCreate         func(ctx *EventContext, message *discord.MessageCreate)
	OnMessageUpdate         func(ctx *EventContext, message *discord.MessageUpdate)
	OnMessageDelete         func(ctx *EventContext, message *discord.MessageDelete)
	OnMessageReactionAdd    func(ctx *EventContext, reaction *discord.MessageReactionAdd)
	OnMessageReactionRemove func(ctx *EventContext, reaction *discord.MessageReactionRemove)
	OnInteractionCreate     func(ctx *EventContext, interaction *discord.InteractionCreate)
	OnVoiceStateUpdate      func(ctx *EventContext, voiceState *discord.VoiceStateUpdate)
	OnVoiceServerUpdate     func(ctx *EventContext, voiceServer *discord.VoiceServerUpdate)
	OnGuildMembersChunk     func(ctx *EventContext, chunk *discord.GuildMembersChunk)
	OnShardStageUpdate      func(ctx *EventContext, update *ShardStageUpdateEvent)
}

func (handlers *EventHandlers) handle(ctx *EventContext, event *Event) {
	switch data := event.Data.(type) {
	case *discord.Ready:
		if handlers.OnReady != nil {
			handlers.OnReady(ctx, data)
		}
	case *discord.Resumed:
		if handlers.OnResumed != nil {
			handlers.OnResumed(ctx)
		}
	case *discord.MessageCreate:
		if handlers.OnMessageCreate != nil {
			handlers.OnMessageCreate(ctx, data)
		}
	case *discord.MessageUpdate:
		if handlers.OnMessageUpdate != nil {
			handlers.OnMessageUpdate(ctx, data)
		}
	case *discord.MessageDelete:
		if handlers.OnMessageDelete != nil {
			handlers.OnMessageDelete(ctx, data)
		}
	case *discord.MessageReactionAdd:
		if handlers.OnMessageReactionAdd != nil {
			handlers.OnMessageReactionAdd(ctx, data)
		}
	case *discord.MessageReactionRemove:
		if handlers.OnMessageReactionRemove != nil {
			handlers.OnMessageReactionRemove(ctx, data)
		}
	case *discord.InteractionCreate:
		if handlers.OnInteractionCreate != nil {
			handlers.OnInteractionCreate(ctx, data)
		}
	case *discord.VoiceStateUpdate:
		if handlers.OnVoiceStateUpdate != nil {
			handlers.OnVoiceStateUpdate(ctx, data)
		}
	case *discord.VoiceServerUpdate:
		if handlers.OnVoiceServerUpdate != nil {
			handlers.OnVoiceServerUpdate(ctx, data)
		}
	case *discord.GuildMembersChunk:
		if handlers.OnGuildMembersChunk != nil {
			handlers.OnGuildMembersChunk(ctx, data)
		}
	case *ShardStageUpdateEvent:
		if handlers.OnShardStageUpdate != nil {
			handlers.OnShardStageUpdate(ctx, data)
		}
	}
}

// dispatcher runs every event on its own goroutine. Handler failures never
// reach the runner.
type dispatcher struct {
	handlers     *EventHandlers
	limiter      *limiter.ConcurrencyLimiter
	panicHandler PanicHandler
}

func (dispatcher *dispatcher) dispatch(eventContext *EventContext, event *Event) {
	RecordEvent(event.Type)

	if dispatcher.handlers == nil {
		return
	}

	go dispatcher.run(eventContext, event)
}

func (dispatcher *dispatcher) run(eventContext *EventContext, event *Event) {
	defer func() {
		if recovered := recover(); recovered != nil {
			RecordHandlerPanic()

			eventContext.Logger.Error().Interface("panic", recovered).Str("type", event.Type).Msg("Recovered panic in event handler")

			if dispatcher.panicHandler != nil {
				dispatcher.panicHandler(eventContext.Logger, recovered)
			}
		}
	}()

	if dispatcher.limiter != nil {
		if err := dispatcher.limiter.Wait(eventContext); err != nil {
			return
		}

		defer dispatcher.limiter.Release()
	}

	handlers := dispatcher.handlers

	if handlers.PreFilter != nil && !handlers.PreFilter(eventContext, event) {
		return
	}

	if handlers.OnRaw != nil {
		handlers.OnRaw(eventContext, event)
	}

	handlers.handle(eventContext, event)
}
