package ratelimit_test

import (
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/WelcomerTeam/Crust/ratelimit"
	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistry() (*ratelimit.Registry, *clock.Mock) {
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	return ratelimit.NewRegistry(zerolog.Nop(), mock), mock
}

func quota(remaining, limit int, resetAfter time.Duration) http.Header {
	header := http.Header{}
	header.Set(ratelimit.HeaderRemaining, strconv.Itoa(remaining))
	header.Set(ratelimit.HeaderLimit, strconv.Itoa(limit))
	header.Set(ratelimit.HeaderResetAfter, strconv.FormatFloat(resetAfter.Seconds(), 'f', 3, 64))

	return header
}

func TestResolveReturnsSameBucket(t *testing.T) {
	t.Parallel()

	registry, _ := newRegistry()

	params := ratelimit.Params{ratelimit.ParamChannelID: "1", "message_id": "5"}
	other := ratelimit.Params{ratelimit.ParamChannelID: "1", "message_id": "6"}

	a := registry.Resolve("get", "/channels/{channel_id}/messages/{message_id}", params)
	b := registry.Resolve("GET", "/channels/{channel_id}/messages/{message_id}", other)

	assert.Same(t, a, b)
	assert.Equal(t, 1, registry.Count())
}

func TestResolveScopesByMajorParameters(t *testing.T) {
	t.Parallel()

	registry, _ := newRegistry()

	tests := []struct {
		name   string
		params ratelimit.Params
	}{
		{name: "guild", params: ratelimit.Params{ratelimit.ParamGuildID: "1"}},
		{name: "other guild", params: ratelimit.Params{ratelimit.ParamGuildID: "2"}},
		{name: "channel", params: ratelimit.Params{ratelimit.ParamChannelID: "1"}},
		{name: "webhook", params: ratelimit.Params{ratelimit.ParamWebhookID: "1"}},
		{name: "other webhook", params: ratelimit.Params{ratelimit.ParamWebhookID: "2"}},
	}

	seen := map[*ratelimit.Bucket]string{}

	for _, tt := range tests {
		bucket := registry.Resolve(http.MethodPost, "/route", tt.params)

		previous, ok := seen[bucket]
		assert.False(t, ok, "%s shares a bucket with %s", tt.name, previous)

		seen[bucket] = tt.name
	}

	assert.NotSame(t,
		registry.Resolve(http.MethodGet, "/route", nil),
		registry.Resolve(http.MethodPost, "/route", nil),
	)
}

func TestNewBucketIsOptimistic(t *testing.T) {
	t.Parallel()

	registry, mock := newRegistry()
	bucket := registry.Resolve(http.MethodGet, "/gateway", nil)

	for i := 0; i < 10; i++ {
		allowed, _ := registry.TryConsume(bucket, mock.Now())
		assert.True(t, allowed)
	}
}

func TestTryConsumeExhaustedBucket(t *testing.T) {
	t.Parallel()

	registry, mock := newRegistry()
	bucket := registry.Resolve(http.MethodGet, "/route", nil)
	now := mock.Now()

	_, err := registry.ApplyServerUpdate(bucket, quota(0, 5, 2*time.Second), time.Time{}, now)
	require.NoError(t, err)

	allowed, waitUntil := registry.TryConsume(bucket, now)
	assert.False(t, allowed)
	assert.WithinDuration(t, now.Add(2*time.Second), waitUntil, time.Millisecond)

	mock.Add(3 * time.Second)

	// One request may probe the elapsed window. Until the server answers,
	// local time does not replenish the bucket.
	allowed, _ = registry.TryConsume(bucket, mock.Now())
	assert.True(t, allowed)

	for i := 0; i < 3; i++ {
		allowed, waitUntil = registry.TryConsume(bucket, mock.Now())
		assert.False(t, allowed)
		assert.True(t, waitUntil.IsZero())
	}

	changed := bucket.Changed()

	_, err = registry.ApplyServerUpdate(bucket, quota(4, 5, 2*time.Second), time.Time{}, mock.Now())
	require.NoError(t, err)

	select {
	case <-changed:
	default:
		t.Fatal("expected update to signal waiters")
	}

	allowed, _ = registry.TryConsume(bucket, mock.Now())
	assert.True(t, allowed)
	assert.Equal(t, 3, bucket.Snapshot().Remaining)
}

func TestTryConsumeDecrementsRemaining(t *testing.T) {
	t.Parallel()

	registry, mock := newRegistry()
	bucket := registry.Resolve(http.MethodGet, "/route", nil)

	_, err := registry.ApplyServerUpdate(bucket, quota(2, 2, time.Minute), time.Time{}, mock.Now())
	require.NoError(t, err)

	allowed, _ := registry.TryConsume(bucket, mock.Now())
	assert.True(t, allowed)

	allowed, _ = registry.TryConsume(bucket, mock.Now())
	assert.True(t, allowed)

	allowed, waitUntil := registry.TryConsume(bucket, mock.Now())
	assert.False(t, allowed)
	assert.Equal(t, mock.Now().Add(time.Minute), waitUntil)
}

func TestSettleReleasesProbe(t *testing.T) {
	t.Parallel()

	registry, mock := newRegistry()
	bucket := registry.Resolve(http.MethodGet, "/route", nil)

	registry.Exhaust(bucket, mock.Now().Add(time.Second))
	mock.Add(time.Second)

	allowed, _ := registry.TryConsume(bucket, mock.Now())
	require.True(t, allowed)

	allowed, _ = registry.TryConsume(bucket, mock.Now())
	require.False(t, allowed)

	registry.Settle(bucket)

	allowed, _ = registry.TryConsume(bucket, mock.Now())
	assert.True(t, allowed)
}

func TestApplyServerUpdateCorrectsClockSkew(t *testing.T) {
	t.Parallel()

	registry, mock := newRegistry()
	bucket := registry.Resolve(http.MethodGet, "/route", nil)

	localNow := mock.Now()
	serverNow := localNow.Add(30 * time.Second)
	serverReset := serverNow.Add(5 * time.Second)

	header := http.Header{}
	header.Set(ratelimit.HeaderRemaining, "0")
	header.Set(ratelimit.HeaderLimit, "1")
	header.Set(ratelimit.HeaderReset, strconv.FormatInt(serverReset.Unix(), 10))

	_, err := registry.ApplyServerUpdate(bucket, header, serverNow, localNow)
	require.NoError(t, err)

	assert.WithinDuration(t, localNow.Add(5*time.Second), bucket.Snapshot().Reset, time.Millisecond)
}

func TestApplyServerUpdatePrefersResetAfter(t *testing.T) {
	t.Parallel()

	registry, mock := newRegistry()
	bucket := registry.Resolve(http.MethodGet, "/route", nil)

	header := quota(0, 1, 1500*time.Millisecond)
	header.Set(ratelimit.HeaderReset, strconv.FormatInt(mock.Now().Add(time.Hour).Unix(), 10))
	header.Set(ratelimit.HeaderBucket, "abcd")

	_, err := registry.ApplyServerUpdate(bucket, header, time.Time{}, mock.Now())
	require.NoError(t, err)

	snapshot := bucket.Snapshot()
	assert.Equal(t, mock.Now().Add(1500*time.Millisecond), snapshot.Reset)
	assert.Equal(t, "abcd", snapshot.Hash)
}

func TestApplyServerUpdateGlobal(t *testing.T) {
	t.Parallel()

	registry, mock := newRegistry()
	bucket := registry.Resolve(http.MethodGet, "/route", nil)

	header := http.Header{}
	header.Set(ratelimit.HeaderGlobal, "true")
	header.Set(ratelimit.HeaderRetryAfter, "2.5")

	changed := registry.GlobalChanged()

	h, err := registry.ApplyServerUpdate(bucket, header, time.Time{}, mock.Now())
	require.NoError(t, err)
	assert.True(t, h.Global)

	until, limited := registry.GlobalWait(mock.Now())
	assert.True(t, limited)
	assert.Equal(t, mock.Now().Add(2500*time.Millisecond), until)
	assert.Equal(t, 0, bucket.Snapshot().Limit)

	select {
	case <-changed:
	default:
		t.Fatal("expected global cooldown to signal waiters")
	}

	// A shorter cooldown never replaces a longer one.
	registry.SetGlobalCooldown(mock.Now().Add(time.Second))

	until, _ = registry.GlobalWait(mock.Now())
	assert.Equal(t, mock.Now().Add(2500*time.Millisecond), until)

	mock.Add(3 * time.Second)

	_, limited = registry.GlobalWait(mock.Now())
	assert.False(t, limited)
}

func TestApplyServerUpdateInvalidHeader(t *testing.T) {
	t.Parallel()

	registry, mock := newRegistry()
	bucket := registry.Resolve(http.MethodGet, "/route", nil)

	header := http.Header{}
	header.Set(ratelimit.HeaderRemaining, "many")

	_, err := registry.ApplyServerUpdate(bucket, header, time.Time{}, mock.Now())
	assert.ErrorIs(t, err, ratelimit.ErrInvalidHeader)
}

// exhaustAndAdmitOne leaves the bucket with its single post-reset request in
// flight.
func exhaustAndAdmitOne(t *testing.T, registry *ratelimit.Registry, mock *clock.Mock, bucket *ratelimit.Bucket) {
	t.Helper()

	_, err := registry.ApplyServerUpdate(bucket, quota(0, 1, time.Second), time.Time{}, mock.Now())
	require.NoError(t, err)

	mock.Add(2 * time.Second)

	allowed, _ := registry.TryConsume(bucket, mock.Now())
	require.True(t, allowed)

	allowed, waitUntil := registry.TryConsume(bucket, mock.Now())
	require.False(t, allowed)
	require.True(t, waitUntil.IsZero())
}

func TestGlobalUpdateReopensBucket(t *testing.T) {
	t.Parallel()

	registry, mock := newRegistry()
	bucket := registry.Resolve(http.MethodGet, "/route", nil)

	exhaustAndAdmitOne(t, registry, mock, bucket)

	changed := bucket.Changed()

	header := quota(0, 1, time.Second)
	header.Set(ratelimit.HeaderGlobal, "true")
	header.Set(ratelimit.HeaderRetryAfter, "1")

	_, err := registry.ApplyServerUpdate(bucket, header, time.Time{}, mock.Now())
	require.NoError(t, err)

	select {
	case <-changed:
	default:
		t.Fatal("expected global update to signal bucket waiters")
	}

	assert.False(t, bucket.Snapshot().Probing)

	_, limited := registry.GlobalWait(mock.Now())
	assert.True(t, limited)

	mock.Add(time.Second)

	allowed, _ := registry.TryConsume(bucket, mock.Now())
	assert.True(t, allowed)
}

func TestInvalidHeaderReopensBucket(t *testing.T) {
	t.Parallel()

	registry, mock := newRegistry()
	bucket := registry.Resolve(http.MethodGet, "/route", nil)

	exhaustAndAdmitOne(t, registry, mock, bucket)

	header := http.Header{}
	header.Set(ratelimit.HeaderRemaining, "3")
	header.Set(ratelimit.HeaderLimit, "lots")

	h, err := registry.ApplyServerUpdate(bucket, header, time.Time{}, mock.Now())
	require.ErrorIs(t, err, ratelimit.ErrInvalidHeader)
	assert.True(t, h.HasQuota())

	snapshot := bucket.Snapshot()
	assert.False(t, snapshot.Probing)
	assert.Equal(t, 0, snapshot.Remaining)

	allowed, _ := registry.TryConsume(bucket, mock.Now())
	assert.True(t, allowed)
}

func TestUpdateWithoutQuotaReopensBucket(t *testing.T) {
	t.Parallel()

	registry, mock := newRegistry()
	bucket := registry.Resolve(http.MethodGet, "/route", nil)

	exhaustAndAdmitOne(t, registry, mock, bucket)

	_, err := registry.ApplyServerUpdate(bucket, http.Header{}, time.Time{}, mock.Now())
	require.NoError(t, err)

	allowed, _ := registry.TryConsume(bucket, mock.Now())
	assert.True(t, allowed)
}
