package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/WelcomerTeam/Crust/internal/analytics"
	"github.com/WelcomerTeam/Crust/pkg/syncmap"
	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// Registry maps bucket identities to buckets and holds the process wide
// global cooldown.
type Registry struct {
	Logger zerolog.Logger

	clock clock.Clock

	buckets syncmap.Map[BucketKey, *Bucket]

	globalMu    sync.RWMutex
	globalUntil time.Time
	globalGate  chan struct{}
}

// NewRegistry creates a registry. A nil clock uses the wall clock.
func NewRegistry(logger zerolog.Logger, clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.New()
	}

	return &Registry{
		Logger:     logger,
		clock:      clk,
		globalGate: make(chan struct{}),
	}
}

// Clock returns the clock used to measure quota windows.
func (r *Registry) Clock() clock.Clock {
	return r.clock
}

// Resolve returns the bucket for a request, creating it on first use.
func (r *Registry) Resolve(method, routeTemplate string, params Params) *Bucket {
	key := NewBucketKey(method, routeTemplate, params)

	bucket, loaded := r.buckets.LoadOrCreate(key, func() *Bucket {
		return newBucket(key)
	})

	if !loaded {
		analytics.RestMetrics.Buckets.Inc()

		r.Logger.Debug().Str("bucket", key.String()).Msg("Created ratelimit bucket")
	}

	return bucket
}

// Count returns the number of buckets tracked.
func (r *Registry) Count() int {
	return r.buckets.Count()
}

// TryConsume takes one use from the bucket. When the bucket is exhausted it
// returns false and the time its window resets. A zero waitUntil means the
// caller must wait for the bucket to change, as another request is probing
// the bucket after its window elapsed.
func (r *Registry) TryConsume(bucket *Bucket, now time.Time) (allowed bool, waitUntil time.Time) {
	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	return bucket.tryConsume(now)
}

// ApplyServerUpdate overwrites the bucket with the quota carried by a
// response. serverNow is the server's clock at the time of the response and
// is used to convert absolute resets into local time. A global throttle
// leaves the bucket untouched and sets the global cooldown instead.
//
// Whenever the response is not applied to the bucket, a probe in flight is
// released so the next request can ask again.
func (r *Registry) ApplyServerUpdate(bucket *Bucket, header http.Header, serverNow, localNow time.Time) (Headers, error) {
	h, err := ParseHeaders(header)
	if err != nil {
		r.Settle(bucket)

		return h, err
	}

	if h.Global {
		r.SetGlobalCooldown(localNow.Add(h.RetryAfter))
		r.Settle(bucket)

		return h, nil
	}

	if !h.HasQuota() {
		r.Settle(bucket)

		return h, nil
	}

	var offset time.Duration

	if !serverNow.IsZero() {
		offset = serverNow.Sub(localNow)
	}

	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	if h.HasRemaining {
		bucket.remaining = h.Remaining
	}

	if h.HasLimit {
		bucket.limit = h.Limit
	}

	switch {
	case h.HasResetAfter:
		bucket.resetAfter = h.ResetAfter
		bucket.reset = localNow.Add(h.ResetAfter)
	case h.HasReset:
		bucket.resetAfter = 0
		bucket.reset = h.Reset.Add(-offset)
	}

	if h.Bucket != "" {
		bucket.hash = h.Bucket
	}

	bucket.probing = false
	bucket.notify()

	r.Logger.Trace().
		Str("bucket", bucket.Key.String()).
		Int("remaining", bucket.remaining).
		Int("limit", bucket.limit).
		Time("reset", bucket.reset).
		Dur("offset", offset).
		Msg("Applied ratelimit update")

	return h, nil
}

// Settle releases a probe whose response did not update the bucket.
func (r *Registry) Settle(bucket *Bucket) {
	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	if bucket.probing {
		bucket.probing = false
		bucket.notify()
	}
}

// Exhaust marks the bucket as empty until the given time. It is used when a
// route scoped 429 arrives without quota headers.
func (r *Registry) Exhaust(bucket *Bucket, until time.Time) {
	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	if bucket.limit <= 0 {
		bucket.limit = 1
	}

	bucket.remaining = 0
	bucket.reset = until
	bucket.probing = false
	bucket.notify()
}

// SetGlobalCooldown pauses every request, regardless of bucket, until the
// given time. An earlier deadline never shortens an active cooldown.
func (r *Registry) SetGlobalCooldown(until time.Time) {
	r.globalMu.Lock()
	defer r.globalMu.Unlock()

	if !until.After(r.globalUntil) {
		return
	}

	r.globalUntil = until

	close(r.globalGate)
	r.globalGate = make(chan struct{})

	r.Logger.Warn().Time("until", until).Msg("Global ratelimit hit")
}

// GlobalWait reports whether a global cooldown is active at now and when it
// ends.
func (r *Registry) GlobalWait(now time.Time) (until time.Time, limited bool) {
	r.globalMu.RLock()
	defer r.globalMu.RUnlock()

	if now.Before(r.globalUntil) {
		return r.globalUntil, true
	}

	return time.Time{}, false
}

// GlobalChanged is closed the next time the global cooldown is extended.
func (r *Registry) GlobalChanged() <-chan struct{} {
	r.globalMu.RLock()
	defer r.globalMu.RUnlock()

	return r.globalGate
}

// Buckets returns a snapshot of every tracked bucket keyed by identity.
func (r *Registry) Buckets() map[string]Snapshot {
	snapshots := make(map[string]Snapshot, r.buckets.Count())

	r.buckets.Range(func(key BucketKey, bucket *Bucket) bool {
		snapshots[key.String()] = bucket.Snapshot()

		return true
	})

	return snapshots
}
