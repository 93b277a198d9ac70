package gateway

import (
	"context"
	"time"

	"github.com/WelcomerTeam/Crust/discord"
	"github.com/WelcomerTeam/Crust/pkg/eventbus"
)

const (
	DefaultReconnectAttempts   = 5
	DefaultReconnectBaseDelay  = 7500 * time.Millisecond
	DefaultMaxReconnectWait    = 5 * time.Minute
	DefaultHandshakeTimeout    = 10 * time.Second
	DefaultReadyTimeout        = 30 * time.Second
	DefaultInvalidSessionDelay = 5 * time.Second
	DefaultBackfillTimeout     = 30 * time.Second
	DefaultLargeThreshold      = 250
	DefaultMaxMissedHeartbeats = 5
	DefaultMaxInvalidSessions  = 5
	DefaultSessionSaveInterval = 100

	// Outgoing frames allowed per minute, leaving headroom under the
	// platform's 120 for heartbeats.
	GatewayWriteRateLimit = 110

	GatewayVersion = "10"

	// Close code used when we intend to resume. Normal closures invalidate
	// the session.
	WebsocketReconnectCloseCode = 4000
	WebsocketNormalCloseCode    = 1000
)

// Compression selects how the gateway compresses frames.
type Compression string

const (
	CompressNone Compression = "none"
	// CompressPayload asks the gateway to zlib compress large payloads.
	CompressPayload Compression = "payload"
)

// GatewayResolver finds the gateway URL. rest.Executor implements it.
type GatewayResolver interface {
	GetGatewayBot(ctx context.Context) (*discord.GatewayBot, error)
}

// Options configures a Connection.
type Options struct {
	Dialer   Dialer
	Resolver GatewayResolver
	Decoder  DispatchDecoder
	Store    SessionStore
	Presence *discord.UpdateStatus

	// IdentifyProvider defaults to a per-process IdentifyViaBuckets whose
	// concurrency starts at one and follows max_concurrency once gateway
	// discovery has run.
	IdentifyProvider IdentifyProvider

	// GatewayURL skips discovery when set.
	GatewayURL  string
	Token       string
	Compression Compression

	BusOptions []eventbus.Option

	// EventBlacklist lists dispatch types that are tracked but never
	// published.
	EventBlacklist []string

	ReconnectBaseDelay  time.Duration
	MaxReconnectWait    time.Duration
	HandshakeTimeout    time.Duration
	ReadyTimeout        time.Duration
	InvalidSessionDelay time.Duration
	BackfillTimeout     time.Duration

	ReconnectAttempts   int
	SessionSaveInterval int

	// MaxInvalidSessions caps how many invalidated handshakes a single
	// connect follows before they start to count as failed attempts.
	MaxInvalidSessions int

	ShardID             int32
	ShardCount          int32
	LargeThreshold      int32
	Intents             int32
	MaxMissedHeartbeats int32

	AutoReconnect bool
}

// DefaultOptions returns options with every default applied and
// auto-reconnect enabled.
func DefaultOptions() Options {
	o := Options{AutoReconnect: true}
	o.setDefaults()

	return o
}

func (o *Options) setDefaults() {
	if o.ReconnectAttempts <= 0 {
		o.ReconnectAttempts = DefaultReconnectAttempts
	}

	if o.ReconnectBaseDelay <= 0 {
		o.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}

	if o.MaxReconnectWait <= 0 {
		o.MaxReconnectWait = DefaultMaxReconnectWait
	}

	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}

	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = DefaultReadyTimeout
	}

	if o.InvalidSessionDelay <= 0 {
		o.InvalidSessionDelay = DefaultInvalidSessionDelay
	}

	if o.BackfillTimeout <= 0 {
		o.BackfillTimeout = DefaultBackfillTimeout
	}

	if o.LargeThreshold <= 0 {
		o.LargeThreshold = DefaultLargeThreshold
	}

	if o.MaxMissedHeartbeats <= 0 {
		o.MaxMissedHeartbeats = DefaultMaxMissedHeartbeats
	}

	if o.MaxInvalidSessions <= 0 {
		o.MaxInvalidSessions = DefaultMaxInvalidSessions
	}

	if o.SessionSaveInterval <= 0 {
		o.SessionSaveInterval = DefaultSessionSaveInterval
	}

	if o.ShardCount <= 0 {
		o.ShardCount = 1
	}

	if o.Compression == "" {
		o.Compression = CompressNone
	}

	if o.Dialer == nil {
		o.Dialer = &WebsocketDialer{}
	}

	if o.Store == nil {
		o.Store = NewMemorySessionStore()
	}

	if o.IdentifyProvider == nil {
		o.IdentifyProvider = NewIdentifyViaBuckets(o.Token, 1)
	}
}
