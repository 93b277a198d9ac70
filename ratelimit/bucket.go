package ratelimit

import (
	"sync"
	"time"
)

// Bucket is the quota accounting unit for one route shape. All fields are
// guarded by mu; use the Registry methods to read or change them.
type Bucket struct {
	Key BucketKey

	mu sync.Mutex

	reset      time.Time
	hash       string
	resetAfter time.Duration
	remaining  int
	limit      int

	// probing is set while the single request admitted after reset is in
	// flight.
	probing bool

	changed chan struct{}
}

func newBucket(key BucketKey) *Bucket {
	return &Bucket{
		Key:     key,
		changed: make(chan struct{}),
	}
}

// Snapshot is a point in time copy of a bucket's state.
type Snapshot struct {
	Reset      time.Time     `json:"reset"`
	Hash       string        `json:"hash,omitempty"`
	ResetAfter time.Duration `json:"reset_after"`
	Remaining  int           `json:"remaining"`
	Limit      int           `json:"limit"`
	Probing    bool          `json:"probing"`
}

func (b *Bucket) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Snapshot{
		Reset:      b.reset,
		Hash:       b.hash,
		ResetAfter: b.resetAfter,
		Remaining:  b.remaining,
		Limit:      b.limit,
		Probing:    b.probing,
	}
}

// Changed is closed the next time the bucket's state is replaced by a
// server update, a settle or an exhaust.
func (b *Bucket) Changed() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.changed
}

// notify must be called with mu held.
func (b *Bucket) notify() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// tryConsume must be called with mu held.
func (b *Bucket) tryConsume(now time.Time) (allowed bool, waitUntil time.Time) {
	if b.limit <= 0 {
		return true, time.Time{}
	}

	if b.remaining > 0 {
		b.remaining--

		return true, time.Time{}
	}

	if now.Before(b.reset) {
		return false, b.reset
	}

	// The window has elapsed but the server has not confirmed new quota.
	// Only one request may go and find out.
	if b.probing {
		return false, time.Time{}
	}

	b.probing = true

	return true, time.Time{}
}
