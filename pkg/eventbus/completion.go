package eventbus

import (
	"context"

	"go.uber.org/atomic"
)

// Completion tracks the handlers started by one Publish.
type Completion struct {
	done      chan struct{}
	remaining *atomic.Int64
	failed    *atomic.Int32
	children  []*Completion
}

func newCompletion(handlers int) *Completion {
	return &Completion{
		done:      make(chan struct{}),
		remaining: atomic.NewInt64(int64(handlers)),
		failed:    atomic.NewInt32(0),
	}
}

func completed() *Completion {
	c := newCompletion(0)
	close(c.done)

	return c
}

func (c *Completion) finish() {
	if c.remaining.Dec() == 0 {
		close(c.done)
	}
}

// Done is closed once every handler has returned.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until every handler has returned or ctx is done. Handler
// errors are never returned here; they go to the error sink.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Failed returns how many handlers failed so far.
func (c *Completion) Failed() int {
	failed := int(c.failed.Load())

	for _, child := range c.children {
		failed += child.Failed()
	}

	return failed
}

// Join returns a Completion that is done once all of cs are done.
func Join(cs ...*Completion) *Completion {
	joined := newCompletion(len(cs))
	joined.children = cs

	if len(cs) == 0 {
		close(joined.done)

		return joined
	}

	for _, c := range cs {
		go func(c *Completion) {
			<-c.done
			joined.finish()
		}(c)
	}

	return joined
}
