package limiter

import (
	"context"

	"go.uber.org/atomic"
)

// ConcurrencyLimiter bounds how many functions may run at once. Callers
// Wait for a ticket and must hand it back with FreeTicket.
type ConcurrencyLimiter struct {
	name       string
	tickets    chan int
	inProgress *atomic.Int32
	waiting    *atomic.Int32
}

// NewConcurrencyLimiter allocates a new ConcurrencyLimiter with limit tickets.
// A limit below one is treated as one.
func NewConcurrencyLimiter(name string, limit int) *ConcurrencyLimiter {
	if limit < 1 {
		limit = 1
	}

	c := &ConcurrencyLimiter{
		name:       name,
		tickets:    make(chan int, limit),
		inProgress: atomic.NewInt32(0),
		waiting:    atomic.NewInt32(0),
	}

	for i := 0; i < limit; i++ {
		c.tickets <- i
	}

	return c
}

// Wait blocks until a ticket is free or the context is done.
func (c *ConcurrencyLimiter) Wait(ctx context.Context) (ticket int, err error) {
	c.waiting.Inc()
	defer c.waiting.Dec()

	select {
	case ticket = <-c.tickets:
		c.inProgress.Inc()

		return ticket, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// FreeTicket adds the ticket back into the queue.
func (c *ConcurrencyLimiter) FreeTicket(ticket int) {
	if ticket < 0 {
		return
	}

	c.inProgress.Dec()
	c.tickets <- ticket
}

// Name returns the name the limiter was created with.
func (c *ConcurrencyLimiter) Name() string {
	return c.name
}

// Limit returns the maximum number of concurrent holders.
func (c *ConcurrencyLimiter) Limit() int {
	return cap(c.tickets)
}

// InProgress returns how many tickets are being used
func (c *ConcurrencyLimiter) InProgress() int32 {
	return c.inProgress.Load()
}

// Waiting returns how many callers are blocked in Wait.
func (c *ConcurrencyLimiter) Waiting() int32 {
	return c.waiting.Load()
}
