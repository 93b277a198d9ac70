package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/WelcomerTeam/Crust/crustjson"
	"github.com/WelcomerTeam/Crust/discord"
	"github.com/WelcomerTeam/Crust/gateway"
	"github.com/WelcomerTeam/Crust/internal/analytics"
	"github.com/WelcomerTeam/Crust/pkg/eventbus"
	"github.com/rs/zerolog"
	gotils_strings "github.com/savsgio/gotils/strings"
)

// Trace records timestamps, in unix nanoseconds, as a dispatch moves
// through the process.
type Trace map[string]any

func (t Trace) Set(key string, value any) Trace {
	t[key] = value

	return t
}

// Metadata identifies where a forwarded dispatch came from.
type Metadata struct {
	Identifier string   `json:"i"`
	Shard      [2]int32 `json:"s"`
}

// Payload is the envelope published for each dispatch.
type Payload struct {
	discord.GatewayPayload

	Metadata Metadata `json:"__metadata"`
	Trace    Trace    `json:"__trace"`
}

// Forwarder publishes dispatches to a Producer.
type Forwarder struct {
	Logger zerolog.Logger

	producer   Producer
	channel    string
	identifier string
	blacklist  []string
	shardCount int32
}

// NewForwarder creates a forwarder publishing to channel. Event types in
// blacklist are never published.
func NewForwarder(logger zerolog.Logger, producer Producer, channel, identifier string, shardCount int32, blacklist []string) *Forwarder {
	return &Forwarder{
		Logger:     logger.With().Str("producer", producer.String()).Logger(),
		producer:   producer,
		channel:    channel,
		identifier: identifier,
		blacklist:  blacklist,
		shardCount: shardCount,
	}
}

// Attach subscribes the forwarder to every dispatch of a connection.
func (f *Forwarder) Attach(events *gateway.Events) *eventbus.Subscription {
	return events.Dispatch.RegisterAll(f.Handle)
}

// Handle publishes a single dispatch. Errors are returned to the bus.
func (f *Forwarder) Handle(ctx context.Context, dispatch gateway.Dispatch) error {
	if gotils_strings.Include(f.blacklist, dispatch.Type) {
		return nil
	}

	sequence := dispatch.Sequence

	payload := Payload{
		GatewayPayload: discord.GatewayPayload{
			Op:       discord.GatewayOpDispatch,
			Type:     dispatch.Type,
			Sequence: &sequence,
			Data:     dispatch.Data,
		},
		Metadata: Metadata{
			Identifier: f.identifier,
			Shard:      [2]int32{dispatch.ShardID, f.shardCount},
		},
		Trace: Trace{"receive": dispatch.Received.UnixNano()},
	}

	payload.Trace.Set("publish", time.Now().UnixNano())

	data, err := crustjson.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	err = f.producer.Publish(ctx, f.channel, data)
	if err != nil {
		analytics.ProducerMetrics.Failed.WithLabelValues(f.producer.String()).Inc()

		return fmt.Errorf("failed to publish event: %w", err)
	}

	analytics.ProducerMetrics.Published.WithLabelValues(f.producer.String()).Inc()

	f.Logger.Trace().Str("type", dispatch.Type).Int64("sequence", sequence).Msg("Published dispatch")

	return nil
}
