package eventbus

import (
	"context"

	"github.com/WelcomerTeam/Crust/pkg/syncmap"
)

// Registry keeps one Bus per event tag plus a wildcard bus that receives
// every tag. Topic buses are created lazily.
type Registry[T any] struct {
	name    string
	options []Option

	topics syncmap.Map[string, *Bus[T]]
	all    *Bus[T]
}

func NewRegistry[T any](name string, opts ...Option) *Registry[T] {
	return &Registry[T]{
		name:    name,
		options: opts,
		all:     New[T](name+".*", opts...),
	}
}

// Topic returns the bus for tag, creating it on first use.
func (r *Registry[T]) Topic(tag string) *Bus[T] {
	bus, _ := r.topics.LoadOrCreate(tag, func() *Bus[T] {
		return New[T](r.name+"."+tag, r.options...)
	})

	return bus
}

// Register subscribes handler to a single tag.
func (r *Registry[T]) Register(tag string, handler Handler[T]) *Subscription {
	return r.Topic(tag).Register(handler)
}

// RegisterAll subscribes handler to every tag.
func (r *Registry[T]) RegisterAll(handler Handler[T]) *Subscription {
	return r.all.Register(handler)
}

// Unregister removes a subscription created by Register or RegisterAll.
func (r *Registry[T]) Unregister(subscription *Subscription) bool {
	if subscription == nil {
		return false
	}

	if subscription.owner == r.all {
		return r.all.Unregister(subscription)
	}

	for _, tag := range r.topics.Keys() {
		if bus, ok := r.topics.Load(tag); ok && subscription.owner == bus {
			return bus.Unregister(subscription)
		}
	}

	return false
}

// Publish delivers payload to the tag's handlers and to wildcard handlers.
func (r *Registry[T]) Publish(ctx context.Context, tag string, payload T) *Completion {
	bus, ok := r.topics.Load(tag)
	if !ok {
		return r.all.Publish(ctx, payload)
	}

	return Join(bus.Publish(ctx, payload), r.all.Publish(ctx, payload))
}
