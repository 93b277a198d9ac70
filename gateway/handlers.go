package gateway

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/WelcomerTeam/Crust/crustjson"
	"github.com/WelcomerTeam/Crust/discord"
	"github.com/WelcomerTeam/Crust/internal/analytics"
)

const identifyName = "Crust"

type gatewayHandler func(c *Connection, scope *connScope, payload discord.GatewayPayload) error

var gatewayHandlers = make(map[discord.GatewayOp]gatewayHandler)

func registerGatewayEvent(op discord.GatewayOp, handler gatewayHandler) {
	gatewayHandlers[op] = handler
}

func (c *Connection) handle(scope *connScope, payload discord.GatewayPayload) error {
	handler, ok := gatewayHandlers[payload.Op]
	if !ok {
		c.Logger.Warn().
			Int("op", int(payload.Op)).
			Str("data", string(payload.Data)).
			Msg("Gateway sent unknown packet")

		return nil
	}

	return handler(c, scope, payload)
}

func gatewayOpHello(c *Connection, scope *connScope, payload discord.GatewayPayload) error {
	var hello discord.Hello

	err := crustjson.Unmarshal(payload.Data, &hello)
	if err != nil {
		return fmt.Errorf("failed to unmarshal hello: %w", err)
	}

	if hello.HeartbeatInterval <= 0 {
		return fmt.Errorf("%w: hello without heartbeat interval", ErrUnexpectedPayload)
	}

	if !scope.heartbeating.CompareAndSwap(false, true) {
		c.Logger.Warn().Msg("Received duplicate hello")

		return nil
	}

	interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond

	c.session.heartbeatInterval.Store(interval)
	c.session.lastHeartbeatAck.Store(time.Now())
	c.session.missedHeartbeats.Store(0)

	c.Logger.Debug().Dur("interval", interval).Msg("Received HELLO event from discord")

	scope.wg.Add(1)

	go c.heartbeat(scope, interval)

	if c.session.CanResume() {
		c.setState(StateResuming)

		return c.resume(scope)
	}

	c.setState(StateIdentifying)

	return c.identify(scope)
}

func gatewayOpHeartbeat(c *Connection, scope *connScope, _ discord.GatewayPayload) error {
	return c.sendHeartbeat(scope)
}

func gatewayOpHeartbeatACK(c *Connection, scope *connScope, _ discord.GatewayPayload) error {
	now := time.Now()

	c.session.lastHeartbeatAck.Store(now)
	c.session.missedHeartbeats.Store(0)

	latency := now.Sub(c.session.LastHeartbeatSent())
	c.session.latency.Store(latency)

	analytics.UpdateGatewayLatency(c.options.ShardID, latency.Seconds())

	c.Logger.Trace().Dur("latency", latency).Msg("Received heartbeat ACK")

	c.Events.Heartbeat.Publish(c.eventContext(), HeartbeatObserved{
		Latency: latency,
		ShardID: c.options.ShardID,
	})

	return nil
}

func gatewayOpReconnect(c *Connection, _ *connScope, _ discord.GatewayPayload) error {
	c.Logger.Info().Msg("Reconnecting in response to gateway")

	return ErrReconnectRequested
}

func gatewayOpInvalidSession(c *Connection, scope *connScope, payload discord.GatewayPayload) error {
	resumable := crustjson.Get(payload.Data).ToBool()

	c.Logger.Warn().Bool("resumable", resumable).Msg("Received invalid session from gateway")

	if !resumable {
		c.session.clear()
		c.deleteSession()
	}

	timer := time.NewTimer(c.options.InvalidSessionDelay)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-scope.Done():
		return nil
	}

	return ErrInvalidSession
}

func (c *Connection) identify(scope *connScope) error {
	if c.options.IdentifyProvider != nil {
		err := c.options.IdentifyProvider.Identify(scope.ctx, c.options.ShardID)
		if err != nil {
			return fmt.Errorf("failed to wait for identify: %w", err)
		}
	}

	c.Logger.Debug().Msg("Sending identify")

	return c.writePayload(scope.ctx, scope, discord.GatewayOpIdentify, discord.Identify{
		Token: strings.TrimPrefix(c.options.Token, "Bot "),
		Properties: &discord.IdentifyProperties{
			OS:      runtime.GOOS,
			Browser: identifyName,
			Device:  identifyName,
		},
		Compress:       c.options.Compression == CompressPayload,
		LargeThreshold: c.options.LargeThreshold,
		Shard:          [2]int32{c.options.ShardID, c.options.ShardCount},
		Presence:       c.options.Presence,
		Intents:        c.options.Intents,
	})
}

func (c *Connection) resume(scope *connScope) error {
	sequence, _ := c.session.Sequence()

	c.Logger.Debug().
		Str("session_id", c.session.SessionID()).
		Int64("sequence", sequence).
		Msg("Sending resume")

	return c.writePayload(scope.ctx, scope, discord.GatewayOpResume, discord.Resume{
		Token:     strings.TrimPrefix(c.options.Token, "Bot "),
		SessionID: c.session.SessionID(),
		Sequence:  sequence,
	})
}

func init() {
	registerGatewayEvent(discord.GatewayOpDispatch, gatewayOpDispatch)
	registerGatewayEvent(discord.GatewayOpHeartbeat, gatewayOpHeartbeat)
	registerGatewayEvent(discord.GatewayOpReconnect, gatewayOpReconnect)
	registerGatewayEvent(discord.GatewayOpInvalidSession, gatewayOpInvalidSession)
	registerGatewayEvent(discord.GatewayOpHello, gatewayOpHello)
	registerGatewayEvent(discord.GatewayOpHeartbeatACK, gatewayOpHeartbeatACK)
}
