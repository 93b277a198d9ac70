package rest

import (
	"context"
	"net/http"
	"sync"
)

// Request is one outbound call.
type Request struct {
	Header      http.Header
	Query       map[string]string
	Route       Route
	ContentType string
	// Reason is sent as the audit log reason.
	Reason string
	Body   []byte
}

// Response is a completed call.
type Response struct {
	Header http.Header
	Body   []byte
	Status int
}

// Pending is the completion handle of an executed request. It is fulfilled
// exactly once.
type Pending struct {
	once sync.Once
	done chan struct{}

	response *Response
	err      error
}

func newPending() *Pending {
	return &Pending{
		done: make(chan struct{}),
	}
}

func (p *Pending) fulfil(response *Response, err error) {
	p.once.Do(func() {
		p.response = response
		p.err = err
		close(p.done)
	})
}

// Done is closed once the request has succeeded or failed terminally.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Result returns the outcome. It must only be called after Done is closed.
func (p *Pending) Result() (*Response, error) {
	return p.response, p.err
}

// Wait blocks until the request completes or ctx is done.
func (p *Pending) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-p.done:
		return p.response, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
