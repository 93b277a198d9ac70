package ratelimit_test

import (
	"net/http"
	"testing"
	"time"

	"github.com/WelcomerTeam/Crust/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHeaders(t *testing.T) {
	t.Parallel()

	header := http.Header{}
	header.Set(ratelimit.HeaderRemaining, "3")
	header.Set(ratelimit.HeaderLimit, "10")
	header.Set(ratelimit.HeaderReset, "1470173023.123")
	header.Set(ratelimit.HeaderResetAfter, "64.57")
	header.Set(ratelimit.HeaderBucket, "abcd1234")
	header.Set(ratelimit.HeaderScope, "shared")

	h, err := ratelimit.ParseHeaders(header)
	require.NoError(t, err)

	assert.True(t, h.HasQuota())
	assert.Equal(t, 3, h.Remaining)
	assert.Equal(t, 10, h.Limit)
	assert.Equal(t, int64(1470173023), h.Reset.Unix())
	assert.InDelta(t, 123e6, float64(h.Reset.Nanosecond()), 1e6)
	assert.Equal(t, 64570*time.Millisecond, h.ResetAfter)
	assert.Equal(t, "abcd1234", h.Bucket)
	assert.Equal(t, "shared", h.Scope)
	assert.False(t, h.Global)
}

func TestParseHeadersEmpty(t *testing.T) {
	t.Parallel()

	h, err := ratelimit.ParseHeaders(http.Header{})
	require.NoError(t, err)

	assert.False(t, h.HasQuota())
	assert.False(t, h.HasRetryAfter)
}

func TestServerTime(t *testing.T) {
	t.Parallel()

	fallback := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	header := http.Header{}
	assert.Equal(t, fallback, ratelimit.ServerTime(header, fallback))

	header.Set(ratelimit.HeaderDate, "Mon, 01 Jan 2024 00:00:30 GMT")
	assert.Equal(t, fallback.Add(30*time.Second), ratelimit.ServerTime(header, fallback).UTC())

	header.Set(ratelimit.HeaderDate, "yesterday")
	assert.Equal(t, fallback, ratelimit.ServerTime(header, fallback))
}
