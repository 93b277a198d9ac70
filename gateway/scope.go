package gateway

import (
	"context"
	"sync"

	"go.uber.org/atomic"
)

// connScope owns everything belonging to one transport connection. The
// receive and heartbeat loops are tracked by wg and stop when ctx is
// cancelled, so neither can outlive the connection.
type connScope struct {
	ctx    context.Context
	cancel context.CancelCauseFunc

	conn Conn
	wg   sync.WaitGroup

	ready     chan struct{}
	readyOnce sync.Once

	heartbeating *atomic.Bool
}

func newConnScope(parent context.Context, conn Conn) *connScope {
	ctx, cancel := context.WithCancelCause(parent)

	return &connScope{
		ctx:          ctx,
		cancel:       cancel,
		conn:         conn,
		ready:        make(chan struct{}),
		heartbeating: atomic.NewBool(false),
	}
}

// close records why the connection ended. Only the first cause is kept.
func (s *connScope) close(cause error) {
	s.cancel(cause)
}

func (s *connScope) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Err returns the cause passed to the first close.
func (s *connScope) Err() error {
	return context.Cause(s.ctx)
}

func (s *connScope) markReady() {
	s.readyOnce.Do(func() {
		close(s.ready)
	})
}

func (s *connScope) isReady() bool {
	select {
	case <-s.ready:
		return true
	default:
		return false
	}
}
