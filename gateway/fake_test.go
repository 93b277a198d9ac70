package gateway_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/WelcomerTeam/Crust/crustjson"
	"github.com/WelcomerTeam/Crust/discord"
	"github.com/WelcomerTeam/Crust/gateway"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

const waitTimeout = 5 * time.Second

var errLocalClose = errors.New("closed locally")

type sentFrame struct {
	Data crustjson.RawMessage `json:"d"`
	Op   discord.GatewayOp    `json:"op"`
}

// fakeConn is an in-memory gateway connection. The test plays the server.
type fakeConn struct {
	incoming chan []byte
	closed   chan struct{}

	closeOnce sync.Once

	mu        sync.Mutex
	frames    []sentFrame
	readErr   error
	closeCode int
	cursors   map[discord.GatewayOp]int
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan []byte, 64),
		closed:   make(chan struct{}),
		cursors:  make(map[discord.GatewayOp]int),
	}
}

func (f *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-f.incoming:
		return data, nil
	case <-f.closed:
		f.mu.Lock()
		defer f.mu.Unlock()

		return nil, f.readErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeConn) Write(_ context.Context, data []byte) error {
	select {
	case <-f.closed:
		return errLocalClose
	default:
	}

	var frame sentFrame
	if err := crustjson.Unmarshal(data, &frame); err != nil {
		return err
	}

	f.mu.Lock()
	f.frames = append(f.frames, frame)
	f.mu.Unlock()

	return nil
}

func (f *fakeConn) Close(code int, _ string) error {
	f.shutdown(code, errLocalClose)

	return nil
}

func (f *fakeConn) shutdown(code int, readErr error) {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closeCode = code
		f.readErr = readErr
		f.mu.Unlock()

		close(f.closed)
	})
}

// remoteClose simulates the gateway closing the connection.
func (f *fakeConn) remoteClose(code int) {
	f.shutdown(code, &gateway.CloseError{Code: code})
}

func (f *fakeConn) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeConn) code() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.closeCode
}

func (f *fakeConn) sent() []sentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]sentFrame(nil), f.frames...)
}

func (f *fakeConn) count(op discord.GatewayOp) int {
	n := 0

	for _, frame := range f.sent() {
		if frame.Op == op {
			n++
		}
	}

	return n
}

// expect waits for the next frame with op sent after the previous expect
// for the same op.
func (f *fakeConn) expect(t *testing.T, op discord.GatewayOp) sentFrame {
	t.Helper()

	var found sentFrame

	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()

		for i := f.cursors[op]; i < len(f.frames); i++ {
			if f.frames[i].Op == op {
				found = f.frames[i]
				f.cursors[op] = i + 1

				return true
			}
		}

		return false
	}, waitTimeout, time.Millisecond, "waiting for %s", op)

	return found
}

func (f *fakeConn) last(op discord.GatewayOp) (sentFrame, bool) {
	frames := f.sent()

	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i].Op == op {
			return frames[i], true
		}
	}

	return sentFrame{}, false
}

func (f *fakeConn) send(t *testing.T, op discord.GatewayOp, data any) {
	t.Helper()

	raw, err := crustjson.Marshal(data)
	require.NoError(t, err)

	payload, err := crustjson.Marshal(discord.GatewayPayload{Op: op, Data: raw})
	require.NoError(t, err)

	f.incoming <- payload
}

func (f *fakeConn) hello(t *testing.T, interval time.Duration) {
	t.Helper()

	f.send(t, discord.GatewayOpHello, discord.Hello{HeartbeatInterval: interval.Milliseconds()})
}

func (f *fakeConn) dispatch(t *testing.T, sequence int64, eventType string, data any) {
	t.Helper()

	raw, err := crustjson.Marshal(data)
	require.NoError(t, err)

	payload, err := crustjson.Marshal(discord.GatewayPayload{
		Op:       discord.GatewayOpDispatch,
		Type:     eventType,
		Sequence: &sequence,
		Data:     raw,
	})
	require.NoError(t, err)

	f.incoming <- payload
}

func (f *fakeConn) ready(t *testing.T, sequence int64, sessionID string, guilds ...discord.Snowflake) {
	t.Helper()

	ready := discord.Ready{
		SessionID:        sessionID,
		ResumeGatewayURL: "wss://resume.gateway.test",
		Guilds:           []discord.UnavailableGuild{},
	}

	for _, id := range guilds {
		ready.Guilds = append(ready.Guilds, discord.UnavailableGuild{ID: id, Unavailable: true})
	}

	f.dispatch(t, sequence, discord.EventReady, ready)
}

type fakeDialer struct {
	conns chan *fakeConn
	dials *atomic.Int32
	err   error

	mu   sync.Mutex
	urls []string
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		conns: make(chan *fakeConn, 16),
		dials: atomic.NewInt32(0),
	}
}

func (d *fakeDialer) Dial(_ context.Context, url string) (gateway.Conn, error) {
	d.dials.Inc()

	d.mu.Lock()
	d.urls = append(d.urls, url)
	d.mu.Unlock()

	if d.err != nil {
		return nil, d.err
	}

	conn := newFakeConn()
	d.conns <- conn

	return conn, nil
}

func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()

	select {
	case conn := <-d.conns:
		return conn
	case <-time.After(waitTimeout):
		require.FailNow(t, "timed out waiting for dial")

		return nil
	}
}

func (d *fakeDialer) lastURL() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.urls) == 0 {
		return ""
	}

	return d.urls[len(d.urls)-1]
}

func noIdentifyWait(context.Context, int32) error {
	return nil
}

func newTestConnection(t *testing.T, dialer gateway.Dialer, configure ...func(*gateway.Options)) *gateway.Connection {
	t.Helper()

	options := gateway.Options{
		Dialer:              dialer,
		IdentifyProvider:    gateway.IdentifyProviderFunc(noIdentifyWait),
		GatewayURL:          "wss://gateway.test",
		Token:               "Bot token",
		ReconnectBaseDelay:  time.Millisecond,
		MaxReconnectWait:    10 * time.Millisecond,
		InvalidSessionDelay: 10 * time.Millisecond,
		ReadyTimeout:        waitTimeout,
		AutoReconnect:       true,
	}

	for _, fn := range configure {
		fn(&options)
	}

	connection := gateway.NewConnection(zerolog.Nop(), options)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()

		_ = connection.Disconnect(ctx)
	})

	return connection
}

// connectAsync starts Connect and returns a channel with its result.
func connectAsync(connection *gateway.Connection) <-chan error {
	result := make(chan error, 1)

	go func() {
		result <- connection.Connect(context.Background())
	}()

	return result
}

func waitResult(t *testing.T, result <-chan error) error {
	t.Helper()

	select {
	case err := <-result:
		return err
	case <-time.After(waitTimeout):
		require.FailNow(t, "timed out waiting for connect")

		return nil
	}
}

// handshake drives a fresh connection to READY.
func handshake(t *testing.T, connection *gateway.Connection, dialer *fakeDialer, sessionID string) *fakeConn {
	t.Helper()

	result := connectAsync(connection)

	conn := dialer.next(t)
	conn.hello(t, time.Minute)
	conn.expect(t, discord.GatewayOpIdentify)
	conn.ready(t, 1, sessionID)

	require.NoError(t, waitResult(t, result))

	return conn
}
