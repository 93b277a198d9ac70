package messaging

import (
	"context"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/stan.go"
)

func init() {
	registerProducer("stan", func() Producer { return &StanProducer{} })
}

// StanProducer publishes to a NATS streaming cluster.
type StanProducer struct {
	NatsClient *nats.Conn
	StanClient stan.Conn

	async bool
}

func (p *StanProducer) String() string {
	return "stan"
}

func (p *StanProducer) Connect(_ context.Context, clientName string, args map[string]any) error {
	address, err := stringArgument(args, "Address")
	if err != nil {
		return fmt.Errorf("stan connect: %w", err)
	}

	cluster, err := stringArgument(args, "Cluster")
	if err != nil {
		return fmt.Errorf("stan connect: %w", err)
	}

	useNatsConnection := true

	if value, ok := optionalString(args, "UseNATSConnection"); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			useNatsConnection = parsed
		}
	}

	if value, ok := optionalString(args, "Async"); ok {
		p.async, _ = strconv.ParseBool(value)
	}

	var option stan.Option

	if useNatsConnection {
		p.NatsClient, err = nats.Connect(address)
		if err != nil {
			return fmt.Errorf("stan connect nats: %w", err)
		}

		option = stan.NatsConn(p.NatsClient)
	} else {
		option = stan.NatsURL(address)
	}

	p.StanClient, err = stan.Connect(cluster, clientName, option)
	if err != nil {
		return fmt.Errorf("stan connect: %w", err)
	}

	return nil
}

func (p *StanProducer) Publish(_ context.Context, channel string, data []byte) error {
	if p.StanClient == nil {
		return ErrNotConnected
	}

	if p.async {
		_, err := p.StanClient.PublishAsync(channel, data, nil)

		return err
	}

	return p.StanClient.Publish(channel, data)
}

func (p *StanProducer) Close() error {
	var err error

	if p.StanClient != nil {
		err = p.StanClient.Close()
	}

	if p.NatsClient != nil {
		p.NatsClient.Close()
	}

	return err
}
