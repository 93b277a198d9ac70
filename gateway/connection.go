package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/WelcomerTeam/Crust/crustjson"
	"github.com/WelcomerTeam/Crust/discord"
	"github.com/WelcomerTeam/Crust/internal/analytics"
	"github.com/WelcomerTeam/Crust/rest"
	"github.com/WelcomerTeam/RealRock/limiter"
	"github.com/rs/zerolog"
	gotils_strconv "github.com/savsgio/gotils/strconv"
	"go.uber.org/atomic"
)

// Time allowed for persisting a session in the background.
const sessionSaveTimeout = 5 * time.Second

// Connection is a single gateway session. It owns its SessionState and the
// loops of the current transport connection.
type Connection struct {
	Logger zerolog.Logger
	Events *Events

	options Options
	session *SessionState

	state   *atomic.Int32
	running *atomic.Bool

	// connectMu serialises Connect and Disconnect.
	connectMu sync.Mutex

	lifeMu   sync.RWMutex
	lifetime context.Context
	cancel   context.CancelFunc
	eventCtx context.Context

	scopeMu sync.RWMutex
	scope   *connScope

	writeMu     sync.Mutex
	wsRatelimit *limiter.DurationLimiter

	supervisors sync.WaitGroup

	gatewayURL *atomic.String
	dispatches *atomic.Int64

	backfillMu    sync.Mutex
	backfillTimer *time.Timer
	backfillGen   *atomic.Uint64
	backfillTotal *atomic.Int64
}

// NewConnection creates a disconnected Connection.
func NewConnection(logger zerolog.Logger, options Options) *Connection {
	options.setDefaults()

	c := &Connection{
		Logger: logger.With().Int32("shard_id", options.ShardID).Logger(),
		Events: NewEvents(options.BusOptions...),

		options: options,
		session: NewSessionState(),

		state:   atomic.NewInt32(int32(StateDisconnected)),
		running: atomic.NewBool(false),

		lifetime: context.Background(),
		cancel:   func() {},
		eventCtx: context.Background(),

		// 110 leaves room for heartbeats, which are never limited.
		wsRatelimit: limiter.NewDurationLimiter(GatewayWriteRateLimit, time.Minute),

		gatewayURL: atomic.NewString(options.GatewayURL),
		dispatches: atomic.NewInt64(0),

		backfillGen:   atomic.NewUint64(0),
		backfillTotal: atomic.NewInt64(0),
	}

	return c
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// Session returns the connection's session. It is never nil.
func (c *Connection) Session() *SessionState {
	return c.session
}

func (c *Connection) ShardID() int32 {
	return c.options.ShardID
}

// Connect opens the connection and blocks until the gateway reports READY
// or RESUMED. Transient failures are retried with backoff; fatal ones are
// returned immediately. After Connect returns nil the connection heals
// itself according to AutoReconnect until Disconnect is called.
func (c *Connection) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	if c.running.Load() {
		return ErrAlreadyConnected
	}

	lifetime, cancel := context.WithCancel(context.WithoutCancel(ctx))

	c.lifeMu.Lock()
	c.lifetime, c.cancel = lifetime, cancel
	c.eventCtx = context.WithoutCancel(ctx)
	c.lifeMu.Unlock()

	c.restoreSession(ctx)

	c.Logger.Debug().Msg("Connecting shard")

	c.running.Store(true)

	err := c.establish(ctx)
	if err != nil {
		cancel()
		c.running.Store(false)
		c.setState(StateDisconnected)

		return err
	}

	return nil
}

// Disconnect closes the connection with a normal closure, which ends the
// session, and waits for every loop to stop.
func (c *Connection) Disconnect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.Logger.Info().Msg("Closing shard")

	if scope := c.currentScope(); scope != nil {
		scope.close(ErrClosed)
	}

	c.cancelLifetime()

	done := make(chan struct{})

	go func() {
		c.supervisors.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.stopBackfillTimer()
	c.session.clear()

	if err := c.options.Store.Delete(ctx, c.options.ShardID); err != nil {
		c.Logger.Warn().Err(err).Msg("Failed to delete stored session")
	}

	c.running.Store(false)
	c.setState(StateDisconnected)

	return nil
}

// Reconnect drops the current transport and reconnects, resuming the
// session when possible. It returns once the drop has been requested; use
// the StateChanged or Failed events to follow the outcome. A connection
// that is not running is connected instead.
func (c *Connection) Reconnect(ctx context.Context) error {
	if !c.running.Load() {
		return c.Connect(ctx)
	}

	if scope := c.currentScope(); scope != nil {
		scope.close(ErrReconnectRequested)
	}

	return nil
}

// SendEvent writes a frame to the gateway.
func (c *Connection) SendEvent(ctx context.Context, op discord.GatewayOp, data any) error {
	scope := c.currentScope()
	if scope == nil {
		return ErrNotConnected
	}

	return c.writePayload(ctx, scope, op, data)
}

func (c *Connection) UpdatePresence(ctx context.Context, status *discord.UpdateStatus) error {
	return c.SendEvent(ctx, discord.GatewayOpStatusUpdate, status)
}

func (c *Connection) RequestGuildMembers(ctx context.Context, request *discord.RequestGuildMembers) error {
	return c.SendEvent(ctx, discord.GatewayOpRequestGuildMembers, request)
}

func (c *Connection) currentScope() *connScope {
	c.scopeMu.RLock()
	defer c.scopeMu.RUnlock()

	return c.scope
}

func (c *Connection) setScope(scope *connScope) {
	c.scopeMu.Lock()
	c.scope = scope
	c.scopeMu.Unlock()
}

func (c *Connection) clearScope(scope *connScope) {
	c.scopeMu.Lock()
	if c.scope == scope {
		c.scope = nil
	}
	c.scopeMu.Unlock()
}

func (c *Connection) lifetimeContext() context.Context {
	c.lifeMu.RLock()
	defer c.lifeMu.RUnlock()

	return c.lifetime
}

// eventContext is passed to event handlers. It carries the values of the
// Connect context but is never cancelled.
func (c *Connection) eventContext() context.Context {
	c.lifeMu.RLock()
	defer c.lifeMu.RUnlock()

	return c.eventCtx
}

func (c *Connection) cancelLifetime() {
	c.lifeMu.RLock()
	cancel := c.cancel
	c.lifeMu.RUnlock()

	cancel()
}

func (c *Connection) setState(state State) {
	previous := State(c.state.Swap(int32(state)))
	if previous == state {
		return
	}

	analytics.UpdateGatewayState(c.options.ShardID, int(state))

	c.Logger.Debug().
		Stringer("from", previous).
		Stringer("to", state).
		Msg("Shard status changed")

	c.Events.StateChanged.Publish(c.eventContext(), StateChanged{
		From:    previous,
		To:      state,
		ShardID: c.options.ShardID,
	})
}

// connectOnce dials the gateway and waits for the handshake to finish. On
// success the returned scope is live and its loops are running.
func (c *Connection) connectOnce(ctx context.Context) (*connScope, error) {
	resume := c.session.CanResume()

	gatewayURL, err := c.resolveGatewayURL(ctx, resume)
	if err != nil {
		return nil, err
	}

	c.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, c.options.HandshakeTimeout)
	conn, err := c.options.Dialer.Dial(dialCtx, gatewayURL)
	cancel()

	if err != nil {
		return nil, fmt.Errorf("failed to dial gateway: %w", err)
	}

	scope := newConnScope(c.lifetimeContext(), conn)

	c.setScope(scope)
	c.setState(StateAwaitingHello)

	c.Logger.Debug().Str("url", gatewayURL).Bool("resume", resume).Msg("Connected to gateway")

	c.Events.Opened.Publish(c.eventContext(), ConnectionOpened{
		URL:     gatewayURL,
		ShardID: c.options.ShardID,
		Resume:  resume,
	})

	scope.wg.Add(1)

	go c.receiveLoop(scope)

	timeout := time.NewTimer(c.options.ReadyTimeout)
	defer timeout.Stop()

	select {
	case <-scope.ready:
		return scope, nil
	case <-scope.Done():
		if scope.isReady() {
			return scope, nil
		}

		err = scope.Err()
	case <-timeout.C:
		err = ErrHandshakeTimeout
	case <-ctx.Done():
		err = ctx.Err()
	}

	scope.close(err)
	c.teardown(scope, WebsocketReconnectCloseCode)

	return nil, err
}

// teardown closes the transport and waits for the scope's loops to exit.
func (c *Connection) teardown(scope *connScope, code int) {
	scope.close(ErrClosed)
	c.clearScope(scope)

	if err := scope.conn.Close(code, ""); err != nil {
		c.Logger.Debug().Err(err).Msg("Encountered error closing websocket")
	}

	scope.wg.Wait()
}

func (c *Connection) resolveGatewayURL(ctx context.Context, resume bool) (string, error) {
	var base string

	if resume {
		base = c.session.ResumeGatewayURL()
	}

	if base == "" {
		base = c.gatewayURL.Load()
	}

	if base == "" {
		if c.options.Resolver == nil {
			return "", fmt.Errorf("%w: %w", ErrFatal, ErrMissingGatewayURL)
		}

		gateway, err := c.options.Resolver.GetGatewayBot(ctx)
		if err != nil {
			if errors.Is(err, rest.ErrUnauthorized) {
				return "", fmt.Errorf("%w: %w", ErrFatal, err)
			}

			return "", err
		}

		base = gateway.URL
		c.gatewayURL.Store(base)

		if provider, ok := c.options.IdentifyProvider.(concurrencyAware); ok {
			provider.SetMaxConcurrency(gateway.SessionStartLimit.MaxConcurrency)
		}
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("%w: invalid gateway url: %w", ErrFatal, err)
	}

	query := u.Query()
	query.Set("v", GatewayVersion)
	query.Set("encoding", "json")
	u.RawQuery = query.Encode()

	return u.String(), nil
}

// receiveLoop processes frames strictly in the order they arrive.
func (c *Connection) receiveLoop(scope *connScope) {
	defer scope.wg.Done()

	// Reads are bound to the connection lifetime rather than the scope so
	// teardown can close the transport with its own close code.
	ctx := c.lifetimeContext()

	for {
		data, err := scope.conn.Read(ctx)
		if err != nil {
			scope.close(c.readError(err))

			return
		}

		if scope.ctx.Err() != nil {
			return
		}

		c.Logger.Trace().Msg(">>> " + gotils_strconv.B2S(data))

		var payload discord.GatewayPayload

		err = crustjson.Unmarshal(data, &payload)
		if err != nil {
			c.Logger.Error().Err(err).Msg("Failed to unmarshal message")

			continue
		}

		err = c.handle(scope, payload)
		if err != nil {
			scope.close(err)

			return
		}
	}
}

func (c *Connection) readError(err error) error {
	var closeError *CloseError

	if errors.As(err, &closeError) {
		if closeError.Fatal() {
			c.Logger.Error().Int("code", closeError.Code).Msg("Shard received closure code")

			return fmt.Errorf("%w: %w", ErrFatal, closeError)
		}

		c.Logger.Warn().Int("code", closeError.Code).Msg("Websocket was closed")

		return closeError
	}

	return fmt.Errorf("failed to read from gateway: %w", err)
}

func (c *Connection) writePayload(ctx context.Context, scope *connScope, op discord.GatewayOp, data any) error {
	res, err := crustjson.Marshal(discord.SentPayload{Op: op, Data: data})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	if op != discord.GatewayOpHeartbeat {
		c.wsRatelimit.Lock()
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.Logger.Trace().Msg("<<< " + gotils_strconv.B2S(res))

	err = scope.conn.Write(ctx, res)
	if err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	analytics.RecordSent(c.options.ShardID, op.String())

	return nil
}

func (c *Connection) restoreSession(ctx context.Context) {
	if c.session.SessionID() != "" {
		return
	}

	stored, ok, err := c.options.Store.Load(ctx, c.options.ShardID)
	if err != nil {
		c.Logger.Warn().Err(err).Msg("Failed to load stored session")

		return
	}

	if ok && stored.SessionID != "" {
		c.Logger.Info().Str("session_id", stored.SessionID).Msg("Restored stored session")
		c.session.restore(stored)
	}
}

func (c *Connection) saveSession() {
	stored := c.session.stored()

	go func() {
		ctx, cancel := context.WithTimeout(c.eventContext(), sessionSaveTimeout)
		defer cancel()

		if err := c.options.Store.Save(ctx, c.options.ShardID, stored); err != nil {
			c.Logger.Warn().Err(err).Msg("Failed to save session")
		}
	}()
}

func (c *Connection) deleteSession() {
	go func() {
		ctx, cancel := context.WithTimeout(c.eventContext(), sessionSaveTimeout)
		defer cancel()

		if err := c.options.Store.Delete(ctx, c.options.ShardID); err != nil {
			c.Logger.Warn().Err(err).Msg("Failed to delete stored session")
		}
	}()
}
