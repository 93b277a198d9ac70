package gateway

import (
	"errors"
	"fmt"

	"github.com/WelcomerTeam/Crust/discord"
)

var (
	// ErrFatal wraps failures that retrying cannot fix, such as a bad token
	// or disallowed intents.
	ErrFatal = errors.New("fatal gateway error")

	ErrConnectFailed      = errors.New("failed to connect to gateway")
	ErrAlreadyConnected   = errors.New("connection is already open")
	ErrNotConnected       = errors.New("connection is not open")
	ErrClosed             = errors.New("connection closed")
	ErrHandshakeTimeout   = errors.New("timed out waiting for ready")
	ErrHeartbeatTimeout   = errors.New("gateway stopped acknowledging heartbeats")
	ErrReconnectRequested = errors.New("reconnect is required")
	ErrInvalidSession     = errors.New("session was invalidated")
	ErrUnexpectedPayload  = errors.New("unexpected payload")
	ErrMissingGatewayURL  = errors.New("no gateway url or resolver configured")
)

// CloseError is returned when the gateway closes the connection.
type CloseError struct {
	Reason string
	Code   int
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("gateway closed with code %d", e.Code)
	}

	return fmt.Sprintf("gateway closed with code %d: %s", e.Code, e.Reason)
}

// Fatal reports whether reconnecting after this close code can succeed.
func (e *CloseError) Fatal() bool {
	return IsFatalCloseCode(e.Code)
}

func IsFatalCloseCode(code int) bool {
	switch code {
	case discord.CloseAuthenticationFailed,
		discord.CloseInvalidShard,
		discord.CloseShardingRequired,
		discord.CloseInvalidAPIVersion,
		discord.CloseInvalidIntents,
		discord.CloseDisallowedIntents:
		return true
	default:
		return false
	}
}
