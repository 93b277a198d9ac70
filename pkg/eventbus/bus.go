package eventbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/WelcomerTeam/Crust/internal/analytics"
	"github.com/WelcomerTeam/Crust/pkg/limiter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
)

// Handler receives a published payload. A returned error is routed to the
// bus's ErrorSink and never reaches the publisher.
type Handler[T any] func(ctx context.Context, payload T) error

// ErrorSink receives every handler failure exactly once.
type ErrorSink func(topic string, err error)

// Subscription identifies a registered handler so it can be removed later.
type Subscription struct {
	owner any
	topic string
	id    uint64
}

// Topic returns the topic the subscription was registered on. Wildcard
// subscriptions on a Registry return an empty string.
func (s *Subscription) Topic() string {
	return s.topic
}

type options struct {
	logger  *zerolog.Logger
	sink    ErrorSink
	limiter *limiter.ConcurrencyLimiter
}

type Option func(*options)

// WithErrorSink replaces the default log-and-continue sink.
func WithErrorSink(sink ErrorSink) Option {
	return func(o *options) {
		o.sink = sink
	}
}

// WithLogger sets the logger used by the default sink.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = &logger
	}
}

// WithLimiter bounds how many handlers may run at once across every bus
// sharing the limiter.
func WithLimiter(l *limiter.ConcurrencyLimiter) Option {
	return func(o *options) {
		o.limiter = l
	}
}

type entry[T any] struct {
	handler Handler[T]
	id      uint64
}

// Bus is an asynchronous publish/subscribe primitive for one payload type.
type Bus[T any] struct {
	Logger zerolog.Logger

	topic string

	mu       sync.RWMutex
	handlers []entry[T]

	nextID  *atomic.Uint64
	sink    ErrorSink
	limiter *limiter.ConcurrencyLimiter
}

// New creates a bus for the given topic name.
func New[T any](topic string, opts ...Option) *Bus[T] {
	o := options{}

	for _, opt := range opts {
		opt(&o)
	}

	b := &Bus[T]{
		topic:   topic,
		nextID:  atomic.NewUint64(0),
		sink:    o.sink,
		limiter: o.limiter,
	}

	if o.logger != nil {
		b.Logger = o.logger.With().Str("topic", topic).Logger()
	} else {
		b.Logger = log.Logger.With().Str("topic", topic).Logger()
	}

	if b.sink == nil {
		b.sink = b.logError
	}

	return b
}

func (b *Bus[T]) logError(topic string, err error) {
	b.Logger.Error().Err(err).Str("topic", topic).Msg("Event handler failed")
}

// Topic returns the name the bus was created with.
func (b *Bus[T]) Topic() string {
	return b.topic
}

// Register appends a handler. Handlers registered during a Publish do not
// receive that payload.
func (b *Bus[T]) Register(handler Handler[T]) *Subscription {
	id := b.nextID.Inc()

	b.mu.Lock()
	handlers := make([]entry[T], len(b.handlers), len(b.handlers)+1)
	copy(handlers, b.handlers)
	b.handlers = append(handlers, entry[T]{handler: handler, id: id})
	b.mu.Unlock()

	return &Subscription{owner: b, topic: b.topic, id: id}
}

// Unregister removes a handler. It returns false if the subscription does
// not belong to this bus or was already removed.
func (b *Bus[T]) Unregister(subscription *Subscription) bool {
	if subscription == nil || subscription.owner != b {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for i, e := range b.handlers {
		if e.id == subscription.id {
			handlers := make([]entry[T], 0, len(b.handlers)-1)
			handlers = append(handlers, b.handlers[:i]...)
			b.handlers = append(handlers, b.handlers[i+1:]...)

			return true
		}
	}

	return false
}

// Len returns the number of registered handlers.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.handlers)
}

func (b *Bus[T]) snapshot() []entry[T] {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.handlers
}

// Publish invokes every registered handler concurrently. The returned
// Completion is done once all of them have returned.
func (b *Bus[T]) Publish(ctx context.Context, payload T) *Completion {
	handlers := b.snapshot()

	analytics.BusMetrics.Published.WithLabelValues(b.topic).Inc()

	if len(handlers) == 0 {
		return completed()
	}

	completion := newCompletion(len(handlers))

	for _, e := range handlers {
		go b.invoke(ctx, e.handler, payload, completion)
	}

	return completion
}

func (b *Bus[T]) invoke(ctx context.Context, handler Handler[T], payload T, completion *Completion) {
	defer completion.finish()

	if b.limiter != nil {
		ticket, err := b.limiter.Wait(ctx)
		if err != nil {
			b.fail(completion, fmt.Errorf("handler skipped: %w", err))

			return
		}

		defer b.limiter.FreeTicket(ticket)
	}

	analytics.BusMetrics.HandlersActive.Inc()
	defer analytics.BusMetrics.HandlersActive.Dec()

	defer func() {
		if r := recover(); r != nil {
			b.fail(completion, fmt.Errorf("%w: %v", ErrHandlerPanic, r))
		}
	}()

	if err := handler(ctx, payload); err != nil {
		b.fail(completion, err)
	}
}

func (b *Bus[T]) fail(completion *Completion, err error) {
	completion.failed.Inc()
	analytics.BusMetrics.HandlerErrors.WithLabelValues(b.topic).Inc()

	// A panicking sink must not take the handler goroutine down with it.
	defer func() {
		if r := recover(); r != nil {
			b.Logger.Error().Interface("recovered", r).Msg("Recovered panic in error sink")
		}
	}()

	b.sink(b.topic, err)
}
