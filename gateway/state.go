package gateway

import (
	"time"

	"github.com/WelcomerTeam/Crust/discord"
	"github.com/WelcomerTeam/Crust/pkg/syncmap"
	"go.uber.org/atomic"
)

// State is the lifecycle position of a Connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingHello
	StateIdentifying
	StateResuming
	StateReady
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateAwaitingHello:
		return "AwaitingHello"
	case StateIdentifying:
		return "Identifying"
	case StateResuming:
		return "Resuming"
	case StateReady:
		return "Ready"
	default:
		return "Unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// SessionState is the identity of one gateway session. The receive loop is
// the only writer; the heartbeat loop and callers read snapshots.
type SessionState struct {
	sessionID        *atomic.String
	resumeGatewayURL *atomic.String

	sequence    *atomic.Int64
	sequenceSet *atomic.Bool

	heartbeatInterval *atomic.Duration
	lastHeartbeatSent *atomic.Time
	lastHeartbeatAck  *atomic.Time
	missedHeartbeats  *atomic.Int32
	latency           *atomic.Duration

	backfillComplete *atomic.Bool
	pendingGuilds    syncmap.Map[discord.Snowflake, struct{}]
}

func NewSessionState() *SessionState {
	return &SessionState{
		sessionID:         atomic.NewString(""),
		resumeGatewayURL:  atomic.NewString(""),
		sequence:          atomic.NewInt64(0),
		sequenceSet:       atomic.NewBool(false),
		heartbeatInterval: atomic.NewDuration(0),
		lastHeartbeatSent: atomic.NewTime(time.Time{}),
		lastHeartbeatAck:  atomic.NewTime(time.Time{}),
		missedHeartbeats:  atomic.NewInt32(0),
		latency:           atomic.NewDuration(0),
		backfillComplete:  atomic.NewBool(false),
	}
}

func (s *SessionState) SessionID() string {
	return s.sessionID.Load()
}

func (s *SessionState) ResumeGatewayURL() string {
	return s.resumeGatewayURL.Load()
}

// Sequence returns the last received sequence and whether one has been
// received since the session began.
func (s *SessionState) Sequence() (int64, bool) {
	return s.sequence.Load(), s.sequenceSet.Load()
}

func (s *SessionState) HeartbeatInterval() time.Duration {
	return s.heartbeatInterval.Load()
}

func (s *SessionState) LastHeartbeatSent() time.Time {
	return s.lastHeartbeatSent.Load()
}

func (s *SessionState) LastHeartbeatAck() time.Time {
	return s.lastHeartbeatAck.Load()
}

func (s *SessionState) MissedHeartbeats() int32 {
	return s.missedHeartbeats.Load()
}

func (s *SessionState) Latency() time.Duration {
	return s.latency.Load()
}

func (s *SessionState) BackfillComplete() bool {
	return s.backfillComplete.Load()
}

// PendingGuilds returns how many guilds announced by READY have not arrived.
func (s *SessionState) PendingGuilds() int {
	return s.pendingGuilds.Count()
}

// CanResume reports whether the session has both a session id and a
// sequence.
func (s *SessionState) CanResume() bool {
	_, ok := s.Sequence()

	return s.SessionID() != "" && ok
}

func (s *SessionState) setSequence(sequence int64) {
	s.sequence.Store(sequence)
	s.sequenceSet.Store(true)
}

// clear forgets the session so the next handshake identifies.
func (s *SessionState) clear() {
	s.sessionID.Store("")
	s.resumeGatewayURL.Store("")
	s.sequence.Store(0)
	s.sequenceSet.Store(false)
}

func (s *SessionState) restore(stored StoredSession) {
	s.sessionID.Store(stored.SessionID)
	s.resumeGatewayURL.Store(stored.ResumeGatewayURL)

	if stored.SessionID != "" {
		s.setSequence(stored.Sequence)
	}
}

func (s *SessionState) stored() StoredSession {
	sequence, _ := s.Sequence()

	return StoredSession{
		SessionID:        s.SessionID(),
		ResumeGatewayURL: s.ResumeGatewayURL(),
		Sequence:         sequence,
	}
}

// SessionSnapshot is a JSON friendly copy of a SessionState.
type SessionSnapshot struct {
	LastHeartbeatSent time.Time     `json:"last_heartbeat_sent"`
	LastHeartbeatAck  time.Time     `json:"last_heartbeat_ack"`
	SessionID         string        `json:"session_id"`
	ResumeGatewayURL  string        `json:"resume_gateway_url"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	Latency           time.Duration `json:"latency"`
	Sequence          int64         `json:"sequence"`
	PendingGuilds     int           `json:"pending_guilds"`
	MissedHeartbeats  int32         `json:"missed_heartbeats"`
	BackfillComplete  bool          `json:"backfill_complete"`
}

func (s *SessionState) Snapshot() SessionSnapshot {
	sequence, _ := s.Sequence()

	return SessionSnapshot{
		LastHeartbeatSent: s.LastHeartbeatSent(),
		LastHeartbeatAck:  s.LastHeartbeatAck(),
		SessionID:         s.SessionID(),
		ResumeGatewayURL:  s.ResumeGatewayURL(),
		HeartbeatInterval: s.HeartbeatInterval(),
		Latency:           s.Latency(),
		Sequence:          sequence,
		PendingGuilds:     s.PendingGuilds(),
		MissedHeartbeats:  s.MissedHeartbeats(),
		BackfillComplete:  s.BackfillComplete(),
	}
}
