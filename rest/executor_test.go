package rest_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/WelcomerTeam/Crust/rest"
	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func newExecutor(t *testing.T, handler http.HandlerFunc) (*rest.Executor, *clock.Mock) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	mock := clock.NewMock()
	mock.Set(time.Now())

	executor := rest.NewExecutor(zerolog.Nop(), rest.Options{
		Endpoint: server.URL,
		Token:    "token",
		Clock:    mock,
	})

	return executor, mock
}

// advanceUntil moves the mock clock forward a second at a time until cond
// holds, returning how far it moved.
func advanceUntil(t *testing.T, mock *clock.Mock, cond func() bool) time.Duration {
	t.Helper()

	start := mock.Now()

	require.Eventually(t, func() bool {
		if cond() {
			return true
		}

		mock.Add(time.Second)

		return false
	}, 5*time.Second, 5*time.Millisecond)

	return mock.Now().Sub(start)
}

func TestExecuteSendsRequest(t *testing.T) {
	t.Parallel()

	executor, _ := newExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v10/channels/10/messages", r.URL.Path)
		assert.Equal(t, "Bot token", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "spring%20cleaning", r.Header.Get("X-Audit-Log-Reason"))
		assert.Equal(t, "2", r.URL.Query().Get("limit"))

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"1"}`))
	})

	response, err := executor.Do(context.Background(), &rest.Request{
		Route:  rest.NewRoute(http.MethodPost, "/channels/{channel_id}/messages", "channel_id", "10"),
		Body:   []byte(`{"content":"hi"}`),
		Query:  map[string]string{"limit": "2"},
		Reason: "spring cleaning",
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, response.Status)
	assert.JSONEq(t, `{"id":"1"}`, string(response.Body))
}

func TestExecuteClassifiesErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		want   error
		status int
	}{
		{name: "bad request", status: http.StatusBadRequest, want: rest.ErrBadRequest},
		{name: "method not allowed", status: http.StatusMethodNotAllowed, want: rest.ErrBadRequest},
		{name: "unauthorized", status: http.StatusUnauthorized, want: rest.ErrUnauthorized},
		{name: "forbidden", status: http.StatusForbidden, want: rest.ErrUnauthorized},
		{name: "not found", status: http.StatusNotFound, want: rest.ErrNotFound},
		{name: "server error", status: http.StatusBadGateway, want: rest.ErrServer},
	}

	for _, tt := range tests {
		tt := tt

		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			hits := atomic.NewInt32(0)

			executor, _ := newExecutor(t, func(w http.ResponseWriter, _ *http.Request) {
				hits.Inc()
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"message":"nope","code":50001}`))
			})

			_, err := executor.Do(context.Background(), &rest.Request{
				Route: rest.NewRoute(http.MethodGet, "/users/@me"),
			})
			require.ErrorIs(t, err, tt.want)

			var restError *rest.Error
			require.ErrorAs(t, err, &restError)

			assert.Equal(t, tt.status, restError.Status)
			assert.Equal(t, "nope", restError.Message.Message)
			assert.Equal(t, int32(50001), restError.Message.Code)
			assert.Equal(t, int32(1), hits.Load())
		})
	}
}

func TestExecuteNetworkErrorIsNotRetried(t *testing.T) {
	t.Parallel()

	hits := atomic.NewInt32(0)

	executor, _ := newExecutor(t, func(w http.ResponseWriter, _ *http.Request) {
		hits.Inc()

		hijacker, ok := w.(http.Hijacker)
		if !assert.True(t, ok) {
			return
		}

		conn, _, err := hijacker.Hijack()
		if assert.NoError(t, err) {
			_ = conn.Close()
		}
	})

	_, err := executor.Do(context.Background(), &rest.Request{
		Route: rest.NewRoute(http.MethodPost, "/channels/{channel_id}/typing", "channel_id", "1"),
	})
	assert.ErrorIs(t, err, rest.ErrNetwork)
	assert.Equal(t, int32(1), hits.Load())
}

func TestExecuteWaitsForExhaustedBucket(t *testing.T) {
	t.Parallel()

	hits := atomic.NewInt32(0)

	executor, mock := newExecutor(t, func(w http.ResponseWriter, _ *http.Request) {
		hits.Inc()

		w.Header().Set("X-RateLimit-Limit", "1")
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Reset-After", "60")
		w.WriteHeader(http.StatusNoContent)
	})

	request := &rest.Request{
		Route: rest.NewRoute(http.MethodDelete, "/channels/{channel_id}/messages/{message_id}", "channel_id", "1", "message_id", "2"),
	}

	_, err := executor.Do(context.Background(), request)
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())

	pending := executor.Execute(context.Background(), request)

	elapsed := advanceUntil(t, mock, func() bool { return hits.Load() == 2 })

	assert.GreaterOrEqual(t, elapsed, 60*time.Second)

	_, err = pending.Wait(context.Background())
	require.NoError(t, err)
}

func TestExecuteRetriesRouteRateLimit(t *testing.T) {
	t.Parallel()

	hits := atomic.NewInt32(0)

	executor, mock := newExecutor(t, func(w http.ResponseWriter, _ *http.Request) {
		if hits.Inc() == 1 {
			w.Header().Set("Retry-After", "3")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"message":"You are being rate limited.","retry_after":3,"global":false}`))

			return
		}

		_, _ = w.Write([]byte(`{}`))
	})

	pending := executor.Execute(context.Background(), &rest.Request{
		Route: rest.NewRoute(http.MethodGet, "/guilds/{guild_id}", "guild_id", "1"),
	})

	elapsed := advanceUntil(t, mock, func() bool {
		select {
		case <-pending.Done():
			return true
		default:
			return false
		}
	})

	response, err := pending.Result()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, response.Status)
	assert.Equal(t, int32(2), hits.Load())
	assert.GreaterOrEqual(t, elapsed, 3*time.Second)
}

func TestGlobalRateLimitPausesEveryBucket(t *testing.T) {
	t.Parallel()

	first := atomic.NewInt32(0)
	second := atomic.NewInt32(0)

	executor, mock := newExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v10/guilds/1":
			if first.Inc() == 1 {
				w.Header().Set("X-RateLimit-Global", "true")
				w.Header().Set("Retry-After", "5")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"message":"You are being rate limited.","retry_after":5,"global":true}`))

				return
			}
		case "/v10/channels/2":
			second.Inc()
		}

		_, _ = w.Write([]byte(`{}`))
	})

	a := executor.Execute(context.Background(), &rest.Request{
		Route: rest.NewRoute(http.MethodGet, "/guilds/{guild_id}", "guild_id", "1"),
	})

	require.Eventually(t, func() bool {
		_, limited := executor.Registry.GlobalWait(mock.Now())

		return limited
	}, time.Second, 5*time.Millisecond)

	b := executor.Execute(context.Background(), &rest.Request{
		Route: rest.NewRoute(http.MethodGet, "/channels/{channel_id}", "channel_id", "2"),
	})

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), second.Load())

	elapsed := advanceUntil(t, mock, func() bool {
		return first.Load() == 2 && second.Load() == 1
	})

	assert.GreaterOrEqual(t, elapsed, 5*time.Second)

	_, err := a.Wait(context.Background())
	require.NoError(t, err)

	_, err = b.Wait(context.Background())
	require.NoError(t, err)
}

func TestExecuteCancelledWhileWaiting(t *testing.T) {
	t.Parallel()

	executor, _ := newExecutor(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-RateLimit-Limit", "1")
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Reset-After", "60")
		_, _ = w.Write([]byte(`{}`))
	})

	route := rest.NewRoute(http.MethodGet, "/users/@me")

	_, err := executor.Do(context.Background(), &rest.Request{Route: route})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	pending := executor.Execute(ctx, &rest.Request{Route: route})

	cancel()

	_, err = pending.Wait(context.Background())
	assert.ErrorIs(t, err, context.Canceled)

	snapshot := executor.Registry.Resolve(http.MethodGet, "/users/@me", nil).Snapshot()
	assert.Equal(t, 0, snapshot.Remaining)
	assert.False(t, snapshot.Probing)
}

func TestGlobalRateLimitAfterResetRetries(t *testing.T) {
	t.Parallel()

	hits := atomic.NewInt32(0)

	executor, mock := newExecutor(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-RateLimit-Limit", "1")
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Reset-After", "1")

		if hits.Inc() == 2 {
			w.Header().Set("X-RateLimit-Global", "true")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"message":"You are being rate limited.","retry_after":1,"global":true}`))

			return
		}

		_, _ = w.Write([]byte(`{}`))
	})

	route := rest.NewRoute(http.MethodGet, "/channels/{channel_id}", "channel_id", "1")

	_, err := executor.Do(context.Background(), &rest.Request{Route: route})
	require.NoError(t, err)

	// The window elapses, so the next request goes alone to find the new
	// quota and is answered with a global throttle.
	mock.Add(2 * time.Second)

	pending := executor.Execute(context.Background(), &rest.Request{Route: route})

	advanceUntil(t, mock, func() bool {
		select {
		case <-pending.Done():
			return true
		default:
			return false
		}
	})

	response, err := pending.Result()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, response.Status)
	assert.Equal(t, int32(3), hits.Load())
	assert.False(t, executor.Registry.Buckets()["GET /channels/{channel_id} channel:1"].Probing)
}
