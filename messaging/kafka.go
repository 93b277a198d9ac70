package messaging

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/segmentio/kafka-go"
)

func init() {
	registerProducer("kafka", func() Producer { return &KafkaProducer{} })
}

// KafkaProducer writes each dispatch as a message on the channel topic.
type KafkaProducer struct {
	KafkaClient *kafka.Writer
}

func parseKafkaBalancer(balancer string) kafka.Balancer {
	switch balancer {
	case "crc32":
		return &kafka.CRC32Balancer{}
	case "hash":
		return &kafka.Hash{}
	case "murmur2":
		return &kafka.Murmur2Balancer{}
	case "roundrobin":
		return &kafka.RoundRobin{}
	case "leastbytes":
		return &kafka.LeastBytes{}
	default:
		return nil
	}
}

func (p *KafkaProducer) String() string {
	return "kafka"
}

func (p *KafkaProducer) Connect(_ context.Context, _ string, args map[string]any) error {
	address, err := stringArgument(args, "Address")
	if err != nil {
		return fmt.Errorf("kafka connect: %w", err)
	}

	balancer, _ := optionalString(args, "Balancer")

	var async bool

	if asyncStr, ok := optionalString(args, "Async"); ok {
		async, _ = strconv.ParseBool(asyncStr)
	}

	p.KafkaClient = &kafka.Writer{
		Addr:                   kafka.TCP(strings.Split(address, ",")...),
		Balancer:               parseKafkaBalancer(balancer),
		Async:                  async,
		AllowAutoTopicCreation: true,
	}

	return nil
}

func (p *KafkaProducer) Publish(ctx context.Context, channel string, data []byte) error {
	if p.KafkaClient == nil {
		return ErrNotConnected
	}

	return p.KafkaClient.WriteMessages(ctx, kafka.Message{
		Topic: channel,
		Value: data,
	})
}

func (p *KafkaProducer) Close() error {
	if p.KafkaClient == nil {
		return nil
	}

	return p.KafkaClient.Close()
}
