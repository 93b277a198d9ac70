package discord

import (
	jsoniter "github.com/json-iterator/go"
)

// gateway.go contains all structures for interacting with the gateway.

// GatewayOp represents the operation codes of a gateway message.
type GatewayOp uint8

const (
	GatewayOpDispatch GatewayOp = iota
	GatewayOpHeartbeat
	GatewayOpIdentify
	GatewayOpStatusUpdate
	GatewayOpVoiceStateUpdate
	_
	GatewayOpResume
	GatewayOpReconnect
	GatewayOpRequestGuildMembers
	GatewayOpInvalidSession
	GatewayOpHello
	GatewayOpHeartbeatACK
)

func (op GatewayOp) String() string {
	switch op {
	case GatewayOpDispatch:
		return "Dispatch"
	case GatewayOpHeartbeat:
		return "Heartbeat"
	case GatewayOpIdentify:
		return "Identify"
	case GatewayOpStatusUpdate:
		return "StatusUpdate"
	case GatewayOpVoiceStateUpdate:
		return "VoiceStateUpdate"
	case GatewayOpResume:
		return "Resume"
	case GatewayOpReconnect:
		return "Reconnect"
	case GatewayOpRequestGuildMembers:
		return "RequestGuildMembers"
	case GatewayOpInvalidSession:
		return "InvalidSession"
	case GatewayOpHello:
		return "Hello"
	case GatewayOpHeartbeatACK:
		return "HeartbeatACK"
	default:
		return "Unknown"
	}
}

// GatewayIntent represents a bitflag for intents.
type GatewayIntent uint32

const (
	IntentGuilds GatewayIntent = 1 << iota
	IntentGuildMembers
	IntentGuildBans
	IntentGuildEmojis
	IntentGuildIntegrations
	IntentGuildWebhooks
	IntentGuildInvites
	IntentGuildVoiceStates
	IntentGuildPresences
	IntentGuildMessages
	IntentGuildMessageReactions
	IntentGuildMessageTyping
	IntentDirectMessages
	IntentDirectMessageReactions
	IntentDirectMessageTyping
	IntentMessageContent
)

// Gateway close codes.
const (
	CloseUnknownError = 4000 + iota
	CloseUnknownOpCode
	CloseDecodeError
	CloseNotAuthenticated
	CloseAuthenticationFailed
	CloseAlreadyAuthenticated
	_
	CloseInvalidSeq
	CloseRateLimited
	CloseSessionTimeout
	CloseInvalidShard
	CloseShardingRequired
	CloseInvalidAPIVersion
	CloseInvalidIntents
	CloseDisallowedIntents
)

// Dispatch event names the connection itself interprets.
const (
	EventReady       = "READY"
	EventResumed     = "RESUMED"
	EventGuildCreate = "GUILD_CREATE"
)

// GatewayPayload represents the base payload received from the gateway.
// Sequence is only present on dispatches.
type GatewayPayload struct {
	Type     string              `json:"t,omitempty"`
	Data     jsoniter.RawMessage `json:"d"`
	Sequence *int64              `json:"s,omitempty"`
	Op       GatewayOp           `json:"op"`
}

// SentPayload represents the base payload we send to the gateway.
type SentPayload struct {
	Data any       `json:"d"`
	Op   GatewayOp `json:"op"`
}

// Hello is the first payload received after connecting.
type Hello struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

// Identify represents the initial handshake with the gateway.
type Identify struct {
	Properties     *IdentifyProperties `json:"properties"`
	Presence       *UpdateStatus       `json:"presence,omitempty"`
	Token          string              `json:"token"`
	Shard          [2]int32            `json:"shard"`
	LargeThreshold int32               `json:"large_threshold"`
	Intents        int32               `json:"intents"`
	Compress       bool                `json:"compress"`
}

// IdentifyProperties are the extra properties sent in the identify packet.
type IdentifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

// Resume resumes a dropped gateway connection.
type Resume struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Sequence  int64  `json:"seq"`
}

// RequestGuildMembers requests members for a guild.
type RequestGuildMembers struct {
	Query     *string     `json:"query,omitempty"`
	Nonce     string      `json:"nonce,omitempty"`
	UserIDs   []Snowflake `json:"user_ids,omitempty"`
	GuildID   Snowflake   `json:"guild_id"`
	Limit     int32       `json:"limit"`
	Presences bool        `json:"presences,omitempty"`
}

// UpdateStatus updates a client's presence.
type UpdateStatus struct {
	Status     string      `json:"status"`
	Activities []*Activity `json:"activities"`
	Since      *int64      `json:"since"`
	AFK        bool        `json:"afk"`
}

// Activity is a presence activity.
type Activity struct {
	Name  string `json:"name"`
	State string `json:"state,omitempty"`
	URL   string `json:"url,omitempty"`
	Type  int32  `json:"type"`
}

// UpdateVoiceState joins, moves or leaves a voice channel.
type UpdateVoiceState struct {
	ChannelID *Snowflake `json:"channel_id"`
	GuildID   Snowflake  `json:"guild_id"`
	SelfMute  bool       `json:"self_mute"`
	SelfDeaf  bool       `json:"self_deaf"`
}

// UnavailableGuild is the partial guild sent in READY.
type UnavailableGuild struct {
	ID          Snowflake `json:"id"`
	Unavailable bool      `json:"unavailable"`
}

// Ready is the subset of the READY dispatch the connection needs.
type Ready struct {
	SessionID        string             `json:"session_id"`
	ResumeGatewayURL string             `json:"resume_gateway_url"`
	Guilds           []UnavailableGuild `json:"guilds"`
	Shard            []int32            `json:"shard,omitempty"`
	Version          int32              `json:"v"`
}

// GatewayBot is returned by GET /gateway/bot.
type GatewayBot struct {
	URL               string            `json:"url"`
	Shards            int32             `json:"shards"`
	SessionStartLimit SessionStartLimit `json:"session_start_limit"`
}

// SessionStartLimit describes how many identifies remain.
type SessionStartLimit struct {
	Total          int32 `json:"total"`
	Remaining      int32 `json:"remaining"`
	ResetAfter     int32 `json:"reset_after"`
	MaxConcurrency int32 `json:"max_concurrency"`
}

// Gateway is returned by GET /gateway.
type Gateway struct {
	URL string `json:"url"`
}
