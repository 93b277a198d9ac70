package gateway

import (
	"fmt"
	"time"

	"github.com/WelcomerTeam/Crust/discord"
)

// heartbeat sends the first beat immediately and then one per interval.
// Beats count as missed until acknowledged; once more than
// MaxMissedHeartbeats are outstanding the connection is closed for
// reconnection.
func (c *Connection) heartbeat(scope *connScope, interval time.Duration) {
	defer scope.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if missed := c.session.MissedHeartbeats(); missed > c.options.MaxMissedHeartbeats {
			c.Logger.Warn().
				Int32("missed", missed).
				Time("last_ack", c.session.LastHeartbeatAck()).
				Msg("Failed to receive heartbeat ACK. Reconnecting")

			scope.close(ErrHeartbeatTimeout)

			return
		}

		c.session.missedHeartbeats.Inc()

		err := c.sendHeartbeat(scope)
		if err != nil {
			if scope.ctx.Err() == nil {
				c.Logger.Error().Err(err).Msg("Failed to heartbeat. Reconnecting")
				scope.close(fmt.Errorf("failed to heartbeat: %w", err))
			}

			return
		}

		select {
		case <-scope.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Connection) sendHeartbeat(scope *connScope) error {
	var sequence *int64

	if value, ok := c.session.Sequence(); ok {
		sequence = &value
	}

	c.session.lastHeartbeatSent.Store(time.Now())

	return c.writePayload(scope.ctx, scope, discord.GatewayOpHeartbeat, sequence)
}
