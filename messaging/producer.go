package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownProducer = errors.New("unknown producer")
	ErrMissingArgument = errors.New("missing producer argument")
	ErrNotConnected    = errors.New("producer is not connected")
)

// Producer publishes encoded dispatches to a message broker.
type Producer interface {
	String() string
	Connect(ctx context.Context, clientName string, args map[string]any) error
	Publish(ctx context.Context, channel string, data []byte) error
	Close() error
}

// Producers lists every producer NewProducer can create.
var Producers = []string{}

var producerFactories = make(map[string]func() Producer)

func registerProducer(name string, factory func() Producer) {
	Producers = append(Producers, name)
	producerFactories[name] = factory
}

// NewProducer returns an unconnected producer by name.
func NewProducer(name string) (Producer, error) {
	factory, ok := producerFactories[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProducer, name)
	}

	return factory(), nil
}

// GetEntry returns the first matching value, comparing keys case
// insensitively.
func GetEntry(m map[string]any, key string) any {
	key = strings.ToLower(key)

	for i, k := range m {
		if strings.ToLower(i) == key {
			return k
		}
	}

	return nil
}

func stringArgument(args map[string]any, key string) (string, error) {
	value, ok := GetEntry(args, key).(string)
	if !ok || value == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingArgument, key)
	}

	return value, nil
}

// optionalString returns the value as a string, accepting non string YAML
// scalars such as booleans and numbers.
func optionalString(args map[string]any, key string) (string, bool) {
	value := GetEntry(args, key)
	if value == nil {
		return "", false
	}

	if str, ok := value.(string); ok {
		return str, true
	}

	return fmt.Sprint(value), true
}
