package crust

import (
	"fmt"
	"os"
	"time"

	"github.com/WelcomerTeam/Crust/discord"
	"github.com/WelcomerTeam/Crust/gateway"
	"github.com/WelcomerTeam/Crust/messaging"
	"gopkg.in/yaml.v3"
)

const (
	SessionStoreMemory = "memory"
	SessionStoreRedis  = "redis"

	DefaultSessionPrefix = "crust"
	DefaultSessionTTL    = 10 * time.Minute
)

// Configuration represents the configuration file. Values may reference
// environment variables as ${NAME}.
type Configuration struct {
	Token string `json:"token" yaml:"token"`

	// Identifier is included in produced payloads so consumers can route
	// events from several bots.
	Identifier string `json:"identifier" yaml:"identifier"`

	// ClientName is passed to producers.
	ClientName string `json:"client_name" yaml:"client_name"`

	Gateway  GatewayConfiguration  `json:"gateway" yaml:"gateway"`
	REST     RESTConfiguration     `json:"rest" yaml:"rest"`
	Producer ProducerConfiguration `json:"producer" yaml:"producer"`
	Session  SessionConfiguration  `json:"session" yaml:"session"`
	Logging  LoggingConfiguration  `json:"logging" yaml:"logging"`
	HTTP     HTTPConfiguration     `json:"http" yaml:"http"`
	EventBus EventBusConfiguration `json:"event_bus" yaml:"event_bus"`
}

type GatewayConfiguration struct {
	Presence *discord.UpdateStatus `json:"presence" yaml:"presence"`

	// AutoReconnect defaults to true.
	AutoReconnect *bool `json:"auto_reconnect" yaml:"auto_reconnect"`

	URL         string `json:"url" yaml:"url"`
	Compression string `json:"compression" yaml:"compression"`

	// Events that are tracked but not published.
	EventBlacklist []string `json:"event_blacklist" yaml:"event_blacklist"`

	ReconnectBaseDelay  time.Duration `json:"reconnect_base_delay" yaml:"reconnect_base_delay"`
	MaxReconnectWait    time.Duration `json:"max_reconnect_wait" yaml:"max_reconnect_wait"`
	HandshakeTimeout    time.Duration `json:"handshake_timeout" yaml:"handshake_timeout"`
	ReadyTimeout        time.Duration `json:"ready_timeout" yaml:"ready_timeout"`
	InvalidSessionDelay time.Duration `json:"invalid_session_delay" yaml:"invalid_session_delay"`
	BackfillTimeout     time.Duration `json:"backfill_timeout" yaml:"backfill_timeout"`

	ReconnectAttempts int `json:"reconnect_attempts" yaml:"reconnect_attempts"`

	Intents        int32 `json:"intents" yaml:"intents"`
	ShardID        int32 `json:"shard_id" yaml:"shard_id"`
	ShardCount     int32 `json:"shard_count" yaml:"shard_count"`
	LargeThreshold int32 `json:"large_threshold" yaml:"large_threshold"`
}

type RESTConfiguration struct {
	// Endpoint overrides the API base URL.
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// ProxyURL sends every request through a ratelimit proxy.
	ProxyURL string `json:"proxy_url" yaml:"proxy_url"`

	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

type ProducerConfiguration struct {
	Configuration map[string]any `json:"configuration" yaml:"configuration"`

	// Type selects the producer. Forwarding is disabled when empty.
	Type    string `json:"type" yaml:"type"`
	Channel string `json:"channel" yaml:"channel"`

	// Events that are published on the bus but not produced.
	ProduceBlacklist []string `json:"produce_blacklist" yaml:"produce_blacklist"`
}

type SessionConfiguration struct {
	Store string `json:"store" yaml:"store"`

	Redis struct {
		Address  string        `json:"address" yaml:"address"`
		Password string        `json:"password" yaml:"password"`
		Prefix   string        `json:"prefix" yaml:"prefix"`
		TTL      time.Duration `json:"ttl" yaml:"ttl"`
		DB       int           `json:"db" yaml:"db"`
	} `json:"redis" yaml:"redis"`
}

type LoggingConfiguration struct {
	Level     string `json:"level" yaml:"level"`
	Directory string `json:"directory" yaml:"directory"`
	Filename  string `json:"filename" yaml:"filename"`

	MaxSize    int `json:"max_size" yaml:"max_size"`
	MaxBackups int `json:"max_backups" yaml:"max_backups"`
	MaxAge     int `json:"max_age" yaml:"max_age"`

	ConsoleLoggingEnabled bool `json:"console_logging" yaml:"console_logging"`
	FileLoggingEnabled    bool `json:"file_logging" yaml:"file_logging"`
	EncodeAsJSON          bool `json:"encode_as_json" yaml:"encode_as_json"`
	Compress              bool `json:"compress" yaml:"compress"`
}

type HTTPConfiguration struct {
	Host    string `json:"host" yaml:"host"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

type EventBusConfiguration struct {
	// MaxConcurrentHandlers bounds running handlers. Zero is unbounded.
	MaxConcurrentHandlers int `json:"max_concurrent_handlers" yaml:"max_concurrent_handlers"`
}

// LoadConfiguration reads a YAML configuration file, expanding environment
// variables before parsing.
func LoadConfiguration(path string) (*Configuration, error) {
	file, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReadConfigurationFailure, err)
	}

	return ParseConfiguration(file)
}

func ParseConfiguration(data []byte) (*Configuration, error) {
	var configuration Configuration

	err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &configuration)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadConfigurationFailure, err)
	}

	configuration.setDefaults()

	err = configuration.Validate()
	if err != nil {
		return nil, err
	}

	return &configuration, nil
}

func (c *Configuration) setDefaults() {
	if c.Gateway.AutoReconnect == nil {
		autoReconnect := true
		c.Gateway.AutoReconnect = &autoReconnect
	}

	if c.Gateway.Compression == "" {
		c.Gateway.Compression = string(gateway.CompressNone)
	}

	if c.Gateway.ShardCount <= 0 {
		c.Gateway.ShardCount = 1
	}

	if c.Session.Store == "" {
		c.Session.Store = SessionStoreMemory
	}

	if c.Session.Redis.Prefix == "" {
		c.Session.Redis.Prefix = DefaultSessionPrefix
	}

	if c.Session.Redis.TTL <= 0 {
		c.Session.Redis.TTL = DefaultSessionTTL
	}

	if c.ClientName == "" {
		c.ClientName = "crust"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks the configuration is usable.
func (c *Configuration) Validate() error {
	if c.Token == "" {
		return ErrMissingToken
	}

	if c.Gateway.ShardID < 0 || c.Gateway.ShardID >= c.Gateway.ShardCount {
		return fmt.Errorf("%w: shard %d of %d", ErrInvalidShard, c.Gateway.ShardID, c.Gateway.ShardCount)
	}

	switch gateway.Compression(c.Gateway.Compression) {
	case gateway.CompressNone, gateway.CompressPayload:
	default:
		return fmt.Errorf("%w: %s", ErrInvalidCompression, c.Gateway.Compression)
	}

	switch c.Session.Store {
	case SessionStoreMemory:
	case SessionStoreRedis:
		if c.Session.Redis.Address == "" {
			return fmt.Errorf("%w: redis session store requires an address", ErrInvalidSessionStore)
		}
	default:
		return fmt.Errorf("%w: %s", ErrInvalidSessionStore, c.Session.Store)
	}

	if c.Producer.Type != "" {
		if _, err := messaging.NewProducer(c.Producer.Type); err != nil {
			return err
		}

		if c.Producer.Channel == "" {
			return ErrMissingProducerChannel
		}
	}

	return nil
}
