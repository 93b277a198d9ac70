package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/WelcomerTeam/Crust/internal/analytics"
)

// establish connects with exponential backoff. Fatal errors are never
// retried. An invalidated session does not use up an attempt; up to
// MaxInvalidSessions of them are followed by a fresh handshake.
func (c *Connection) establish(ctx context.Context) error {
	wait := c.options.ReconnectBaseDelay

	var lastErr error

	invalidSessions := 0

	for attempt := 1; attempt <= c.options.ReconnectAttempts; attempt++ {
		scope, err := c.connectOnce(ctx)
		if err == nil {
			c.supervisors.Add(1)

			go c.supervise(scope)

			if attempt > 1 {
				c.Logger.Info().Int("attempt", attempt).Msg("Successfully connected after retrying")
			}

			return nil
		}

		lastErr = err

		if errors.Is(err, ErrFatal) {
			c.Logger.Error().Err(err).Msg("Failed to connect to gateway with a fatal error")

			return err
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		// The invalid session delay has already been observed.
		if errors.Is(err, ErrInvalidSession) && invalidSessions < c.options.MaxInvalidSessions {
			invalidSessions++
			attempt--

			c.Logger.Warn().
				Int("invalid_sessions", invalidSessions).
				Msg("Session invalidated during handshake. Retrying")

			continue
		}

		if attempt == c.options.ReconnectAttempts {
			break
		}

		event := c.Logger.Warn()
		if attempt > 1 {
			event = c.Logger.Error()
		}

		event.Err(err).
			Int("attempt", attempt).
			Int("attempts", c.options.ReconnectAttempts).
			Dur("retry", wait).
			Msg("Failed to connect to gateway. Retrying")

		if err := sleepContext(ctx, wait); err != nil {
			return err
		}

		wait *= 2
		if wait > c.options.MaxReconnectWait {
			wait = c.options.MaxReconnectWait
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrConnectFailed, c.options.ReconnectAttempts, lastErr)
}

// supervise waits for the connection to end, tears it down and decides
// whether to reconnect.
func (c *Connection) supervise(scope *connScope) {
	defer c.supervisors.Done()

	<-scope.Done()

	cause := scope.Err()

	code := WebsocketReconnectCloseCode
	if errors.Is(cause, ErrClosed) {
		code = WebsocketNormalCloseCode
	}

	c.teardown(scope, code)

	closed := ConnectionClosed{Err: cause, ShardID: c.options.ShardID}

	var closeError *CloseError
	if errors.As(cause, &closeError) {
		closed.Code = closeError.Code
		closed.Reason = closeError.Reason
	}

	c.Events.Closed.Publish(c.eventContext(), closed)

	// Disconnect finishes the state transition itself.
	if errors.Is(cause, ErrClosed) || c.lifetimeContext().Err() != nil {
		return
	}

	if errors.Is(cause, ErrFatal) {
		c.stop(cause)

		return
	}

	if !c.options.AutoReconnect && !errors.Is(cause, ErrReconnectRequested) && !errors.Is(cause, ErrInvalidSession) {
		c.Logger.Info().Err(cause).Msg("Connection closed and auto reconnect is disabled")
		c.stop(cause)

		return
	}

	c.Logger.Info().Err(cause).Msg("Reconnecting shard")

	analytics.RecordReconnect(c.options.ShardID, reconnectReason(cause))

	err := c.establish(c.lifetimeContext())
	if err != nil {
		if c.lifetimeContext().Err() != nil {
			return
		}

		c.stop(err)
	}
}

// stop leaves the connection disconnected after an unrecoverable failure.
func (c *Connection) stop(err error) {
	c.Logger.Error().Err(err).Msg("Shard stopped")

	c.cancelLifetime()
	c.running.Store(false)
	c.setState(StateDisconnected)

	c.Events.Failed.Publish(c.eventContext(), ConnectionFailed{
		Err:     err,
		ShardID: c.options.ShardID,
	})
}

func reconnectReason(cause error) string {
	var closeError *CloseError

	switch {
	case errors.Is(cause, ErrHeartbeatTimeout):
		return "heartbeat_timeout"
	case errors.Is(cause, ErrReconnectRequested):
		return "requested"
	case errors.Is(cause, ErrInvalidSession):
		return "invalid_session"
	case errors.As(cause, &closeError):
		return "closed"
	default:
		return "error"
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
