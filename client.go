package crust

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/WelcomerTeam/Crust/gateway"
	"github.com/WelcomerTeam/Crust/messaging"
	"github.com/WelcomerTeam/Crust/pkg/eventbus"
	"github.com/WelcomerTeam/Crust/pkg/limiter"
	"github.com/WelcomerTeam/Crust/ratelimit"
	"github.com/WelcomerTeam/Crust/rest"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

var Version = "1.0.0"

// Client wires a gateway connection, the REST executor and an optional
// producer together from a Configuration.
type Client struct {
	Logger zerolog.Logger

	Configuration *Configuration

	REST      *rest.Executor
	Gateway   *gateway.Connection
	Forwarder *messaging.Forwarder

	StartTime time.Time

	producer messaging.Producer
	redis    *redis.Client
}

// NewClient builds a client. Nothing is connected until Open.
func NewClient(logger zerolog.Logger, configuration *Configuration) (*Client, error) {
	client := &Client{
		Logger:        logger,
		Configuration: configuration,
	}

	var httpClient *http.Client

	if configuration.REST.ProxyURL != "" {
		host, err := url.Parse(configuration.REST.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse proxy url: %w", err)
		}

		httpClient = rest.NewProxyClient(http.Client{Timeout: configuration.REST.Timeout}, *host)
	}

	client.REST = rest.NewExecutor(logger.With().Str("component", "rest").Logger(), rest.Options{
		HTTP:     httpClient,
		Registry: ratelimit.NewRegistry(logger.With().Str("component", "ratelimit").Logger(), nil),
		Endpoint: configuration.REST.Endpoint,
		Token:    configuration.Token,
		Timeout:  configuration.REST.Timeout,
	})

	busOptions := []eventbus.Option{
		eventbus.WithLogger(logger.With().Str("component", "eventbus").Logger()),
	}

	if configuration.EventBus.MaxConcurrentHandlers > 0 {
		busOptions = append(busOptions, eventbus.WithLimiter(
			limiter.NewConcurrencyLimiter("eventbus", configuration.EventBus.MaxConcurrentHandlers),
		))
	}

	store, err := client.sessionStore()
	if err != nil {
		return nil, err
	}

	gatewayConfiguration := configuration.Gateway

	client.Gateway = gateway.NewConnection(logger.With().Str("component", "gateway").Logger(), gateway.Options{
		Resolver:            client.REST,
		Store:               store,
		Presence:            gatewayConfiguration.Presence,
		GatewayURL:          gatewayConfiguration.URL,
		Token:               configuration.Token,
		Compression:         gateway.Compression(gatewayConfiguration.Compression),
		BusOptions:          busOptions,
		EventBlacklist:      gatewayConfiguration.EventBlacklist,
		ReconnectBaseDelay:  gatewayConfiguration.ReconnectBaseDelay,
		MaxReconnectWait:    gatewayConfiguration.MaxReconnectWait,
		HandshakeTimeout:    gatewayConfiguration.HandshakeTimeout,
		ReadyTimeout:        gatewayConfiguration.ReadyTimeout,
		InvalidSessionDelay: gatewayConfiguration.InvalidSessionDelay,
		BackfillTimeout:     gatewayConfiguration.BackfillTimeout,
		ReconnectAttempts:   gatewayConfiguration.ReconnectAttempts,
		ShardID:             gatewayConfiguration.ShardID,
		ShardCount:          gatewayConfiguration.ShardCount,
		LargeThreshold:      gatewayConfiguration.LargeThreshold,
		Intents:             gatewayConfiguration.Intents,
		AutoReconnect:       gatewayConfiguration.AutoReconnect == nil || *gatewayConfiguration.AutoReconnect,
	})

	if configuration.Producer.Type != "" {
		client.producer, err = messaging.NewProducer(configuration.Producer.Type)
		if err != nil {
			return nil, err
		}

		client.Forwarder = messaging.NewForwarder(
			logger.With().Str("component", "forwarder").Logger(),
			client.producer,
			configuration.Producer.Channel,
			configuration.Identifier,
			gatewayConfiguration.ShardCount,
			configuration.Producer.ProduceBlacklist,
		)

		client.Forwarder.Attach(client.Gateway.Events)
	}

	return client, nil
}

func (c *Client) sessionStore() (gateway.SessionStore, error) {
	switch c.Configuration.Session.Store {
	case SessionStoreRedis:
		redisConfiguration := c.Configuration.Session.Redis

		c.redis = redis.NewClient(&redis.Options{
			Addr:     redisConfiguration.Address,
			Password: redisConfiguration.Password,
			DB:       redisConfiguration.DB,
		})

		return gateway.NewRedisSessionStore(c.redis, redisConfiguration.Prefix, redisConfiguration.TTL), nil
	case SessionStoreMemory, "":
		return gateway.NewMemorySessionStore(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidSessionStore, c.Configuration.Session.Store)
	}
}

// Open connects the producer, if any, and then the gateway.
func (c *Client) Open(ctx context.Context) error {
	c.StartTime = time.Now().UTC()

	c.Logger.Info().Str("version", Version).Msg("Starting crust")

	if c.redis != nil {
		err := c.redis.Ping(ctx).Err()
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
	}

	if c.producer != nil {
		err := c.producer.Connect(ctx, c.Configuration.ClientName, c.Configuration.Producer.Configuration)
		if err != nil {
			return fmt.Errorf("failed to connect producer: %w", err)
		}

		c.Logger.Info().Str("producer", c.producer.String()).Msg("Connected to producer")
	}

	err := c.Gateway.Connect(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect gateway: %w", err)
	}

	return nil
}

// Close disconnects the gateway and releases every connection.
func (c *Client) Close(ctx context.Context) error {
	c.Logger.Info().Msg("Closing crust")

	var errs []error

	if err := c.Gateway.Disconnect(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to disconnect gateway: %w", err))
	}

	if c.producer != nil {
		if err := c.producer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close producer: %w", err))
		}
	}

	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
	}

	return errors.Join(errs...)
}

// Status is a point in time view of the client.
type Status struct {
	StartTime time.Time                     `json:"start_time"`
	Buckets   map[string]ratelimit.Snapshot `json:"buckets"`
	Session   gateway.SessionSnapshot       `json:"session"`
	Version   string                        `json:"version"`
	State     gateway.State                 `json:"state"`
	Uptime    time.Duration                 `json:"uptime"`
	ShardID   int32                         `json:"shard_id"`
}

func (c *Client) Status() Status {
	status := Status{
		StartTime: c.StartTime,
		Buckets:   c.REST.Registry.Buckets(),
		Session:   c.Gateway.Session().Snapshot(),
		Version:   Version,
		State:     c.Gateway.State(),
		ShardID:   c.Gateway.ShardID(),
	}

	if !c.StartTime.IsZero() {
		status.Uptime = time.Since(c.StartTime)
	}

	return status
}
