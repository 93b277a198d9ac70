package gateway

import (
	"fmt"
	"time"

	"github.com/WelcomerTeam/Crust/crustjson"
	"github.com/WelcomerTeam/Crust/discord"
	"github.com/WelcomerTeam/Crust/internal/analytics"
	gotils_strings "github.com/savsgio/gotils/strings"
)

// DispatchDecoder turns a dispatch payload into a typed event.
type DispatchDecoder interface {
	Decode(eventType string, data []byte) (any, error)
}

// DispatchDecoderFunc adapts a function to DispatchDecoder.
type DispatchDecoderFunc func(eventType string, data []byte) (any, error)

func (f DispatchDecoderFunc) Decode(eventType string, data []byte) (any, error) {
	return f(eventType, data)
}

func gatewayOpDispatch(c *Connection, scope *connScope, payload discord.GatewayPayload) error {
	received := time.Now()

	var sequence int64

	if payload.Sequence != nil {
		sequence = *payload.Sequence
		c.session.setSequence(sequence)
	}

	analytics.RecordDispatch(c.options.ShardID, payload.Type)

	switch payload.Type {
	case discord.EventReady:
		err := c.onReady(scope, payload)
		if err != nil {
			return err
		}
	case discord.EventResumed:
		c.onResumed(scope)
	case discord.EventGuildCreate:
		c.onGuildCreate(payload)
	}

	if gotils_strings.Include(c.options.EventBlacklist, payload.Type) {
		c.maybeSaveSession()

		return nil
	}

	dispatch := Dispatch{
		Received: received,
		Type:     payload.Type,
		Data:     payload.Data,
		Sequence: sequence,
		ShardID:  c.options.ShardID,
	}

	if c.options.Decoder != nil {
		dispatch.Event, dispatch.DecodeErr = c.options.Decoder.Decode(payload.Type, payload.Data)
		if dispatch.DecodeErr != nil {
			c.Logger.Warn().Err(dispatch.DecodeErr).Str("type", payload.Type).Msg("Failed to decode dispatch")
		}
	}

	c.Events.Dispatch.Publish(c.eventContext(), payload.Type, dispatch)
	c.maybeSaveSession()

	return nil
}

func (c *Connection) maybeSaveSession() {
	if c.dispatches.Inc()%int64(c.options.SessionSaveInterval) == 0 {
		c.saveSession()
	}
}

func (c *Connection) onReady(scope *connScope, payload discord.GatewayPayload) error {
	var ready discord.Ready

	err := crustjson.Unmarshal(payload.Data, &ready)
	if err != nil {
		return fmt.Errorf("failed to unmarshal ready: %w", err)
	}

	c.session.sessionID.Store(ready.SessionID)
	c.session.resumeGatewayURL.Store(ready.ResumeGatewayURL)

	c.Logger.Info().
		Str("session_id", ready.SessionID).
		Int("guilds", len(ready.Guilds)).
		Msg("Shard is ready")

	c.setState(StateReady)
	c.saveSession()
	c.startBackfill(ready.Guilds)

	scope.markReady()

	return nil
}

func (c *Connection) onResumed(scope *connScope) {
	sequence, _ := c.session.Sequence()

	c.Logger.Info().Int64("sequence", sequence).Msg("Shard has resumed")

	c.setState(StateReady)
	c.saveSession()

	scope.markReady()
}

func (c *Connection) onGuildCreate(payload discord.GatewayPayload) {
	if c.session.BackfillComplete() {
		return
	}

	var guild struct {
		ID discord.Snowflake `json:"id"`
	}

	err := crustjson.Unmarshal(payload.Data, &guild)
	if err != nil {
		c.Logger.Warn().Err(err).Msg("Failed to read guild id")

		return
	}

	c.session.pendingGuilds.Delete(guild.ID)

	if c.session.PendingGuilds() == 0 {
		c.completeBackfill(c.backfillGen.Load(), false)
	}
}

// startBackfill tracks the guilds announced by READY until each has sent
// GUILD_CREATE or BackfillTimeout passes.
func (c *Connection) startBackfill(guilds []discord.UnavailableGuild) {
	c.stopBackfillTimer()

	generation := c.backfillGen.Inc()

	for _, id := range c.session.pendingGuilds.Keys() {
		c.session.pendingGuilds.Delete(id)
	}

	for _, guild := range guilds {
		c.session.pendingGuilds.Store(guild.ID, struct{}{})
	}

	c.backfillTotal.Store(int64(len(guilds)))
	c.session.backfillComplete.Store(false)

	if len(guilds) == 0 {
		c.completeBackfill(generation, false)

		return
	}

	c.backfillMu.Lock()
	c.backfillTimer = time.AfterFunc(c.options.BackfillTimeout, func() {
		c.completeBackfill(generation, true)
	})
	c.backfillMu.Unlock()
}

func (c *Connection) completeBackfill(generation uint64, timedOut bool) {
	if generation != c.backfillGen.Load() {
		return
	}

	if !c.session.backfillComplete.CompareAndSwap(false, true) {
		return
	}

	if !timedOut {
		c.stopBackfillTimer()
	}

	guilds := int(c.backfillTotal.Load())

	c.Logger.Info().
		Int("guilds", guilds).
		Int("pending", c.session.PendingGuilds()).
		Bool("timed_out", timedOut).
		Msg("Finished receiving guilds")

	c.Events.BackfillComplete.Publish(c.eventContext(), BackfillComplete{
		Guilds:   guilds,
		ShardID:  c.options.ShardID,
		TimedOut: timedOut,
	})
}

func (c *Connection) stopBackfillTimer() {
	c.backfillMu.Lock()
	defer c.backfillMu.Unlock()

	if c.backfillTimer != nil {
		c.backfillTimer.Stop()
		c.backfillTimer = nil
	}
}
