package gateway

import (
	"time"

	"github.com/WelcomerTeam/Crust/crustjson"
	"github.com/WelcomerTeam/Crust/pkg/eventbus"
)

// ConnectionOpened is published once the transport is connected, before
// the handshake.
type ConnectionOpened struct {
	URL     string
	ShardID int32
	Resume  bool
}

// ConnectionClosed is published every time a connection is torn down.
type ConnectionClosed struct {
	Err     error
	Reason  string
	Code    int
	ShardID int32
}

// HeartbeatObserved is published for every heartbeat acknowledgement.
type HeartbeatObserved struct {
	Latency time.Duration
	ShardID int32
}

type StateChanged struct {
	From    State
	To      State
	ShardID int32
}

// ConnectionFailed is published when reconnecting gave up. The connection
// stays disconnected until Connect is called again.
type ConnectionFailed struct {
	Err     error
	ShardID int32
}

type BackfillComplete struct {
	Guilds   int
	ShardID  int32
	TimedOut bool
}

// Dispatch is a dispatch frame. Event is set when a decoder is configured
// and succeeded.
type Dispatch struct {
	Event     any
	DecodeErr error
	Received  time.Time
	Type      string
	Data      crustjson.RawMessage
	Sequence  int64
	ShardID   int32
}

// Events holds one bus per kind of notification a Connection emits.
// Dispatches are keyed by event type.
type Events struct {
	Opened           *eventbus.Bus[ConnectionOpened]
	Closed           *eventbus.Bus[ConnectionClosed]
	Heartbeat        *eventbus.Bus[HeartbeatObserved]
	StateChanged     *eventbus.Bus[StateChanged]
	Failed           *eventbus.Bus[ConnectionFailed]
	BackfillComplete *eventbus.Bus[BackfillComplete]
	Dispatch         *eventbus.Registry[Dispatch]
}

func NewEvents(opts ...eventbus.Option) *Events {
	return &Events{
		Opened:           eventbus.New[ConnectionOpened]("gateway.opened", opts...),
		Closed:           eventbus.New[ConnectionClosed]("gateway.closed", opts...),
		Heartbeat:        eventbus.New[HeartbeatObserved]("gateway.heartbeat", opts...),
		StateChanged:     eventbus.New[StateChanged]("gateway.state", opts...),
		Failed:           eventbus.New[ConnectionFailed]("gateway.failed", opts...),
		BackfillComplete: eventbus.New[BackfillComplete]("gateway.backfill", opts...),
		Dispatch:         eventbus.NewRegistry[Dispatch]("dispatch", opts...),
	}
}
