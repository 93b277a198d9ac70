package messaging

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

func init() {
	registerProducer("jetstream", func() Producer { return &JetStreamProducer{} })
}

// JetStreamProducer publishes to subjects under a stream named after the
// configured channel.
type JetStreamProducer struct {
	NatsClient      *nats.Conn
	JetStreamClient jetstream.JetStream
	JetStreamStream jetstream.Stream

	stream string
}

func (p *JetStreamProducer) String() string {
	return "jetstream"
}

func (p *JetStreamProducer) Connect(ctx context.Context, clientName string, args map[string]any) error {
	address, err := stringArgument(args, "Address")
	if err != nil {
		return fmt.Errorf("jetstream connect: %w", err)
	}

	stream, err := stringArgument(args, "Channel")
	if err != nil {
		return fmt.Errorf("jetstream connect: %w", err)
	}

	p.stream = stream

	p.NatsClient, err = nats.Connect(address, nats.Name(clientName))
	if err != nil {
		return fmt.Errorf("jetstream connect nats: %w", err)
	}

	p.JetStreamClient, err = jetstream.New(p.NatsClient)
	if err != nil {
		return fmt.Errorf("jetstream new: %w", err)
	}

	retention := jetstream.WorkQueuePolicy

	if interest, ok := optionalString(args, "UseInterestPolicy"); ok {
		if v, _ := strconv.ParseBool(interest); v {
			retention = jetstream.InterestPolicy
		}
	}

	p.JetStreamStream, err = p.JetStreamClient.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:              stream,
		Subjects:          []string{stream + ".*"},
		Retention:         retention,
		Discard:           jetstream.DiscardOld,
		MaxAge:            5 * time.Minute,
		Storage:           jetstream.MemoryStorage,
		MaxMsgsPerSubject: 1_000_000,
		MaxMsgSize:        math.MaxInt32,
		NoAck:             false,
	})
	if err != nil {
		return fmt.Errorf("jetstream create stream: %w", err)
	}

	return nil
}

// Publish sends data to <stream>.<channel>.
func (p *JetStreamProducer) Publish(ctx context.Context, channel string, data []byte) error {
	if p.JetStreamClient == nil {
		return ErrNotConnected
	}

	_, err := p.JetStreamClient.Publish(ctx, p.stream+"."+channel, data)

	return err
}

func (p *JetStreamProducer) Close() error {
	if p.NatsClient != nil {
		p.NatsClient.Close()
	}

	return nil
}
