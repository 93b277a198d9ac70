package rest_test

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/WelcomerTeam/Crust/rest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetGatewayBot(t *testing.T) {
	t.Parallel()

	executor, _ := newExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v10/gateway/bot", r.URL.Path)

		_, _ = w.Write([]byte(`{"url":"wss://gateway.discord.gg","shards":2,"session_start_limit":{"total":1000,"remaining":999,"reset_after":14400000,"max_concurrency":1}}`))
	})

	gateway, err := executor.GetGatewayBot(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "wss://gateway.discord.gg", gateway.URL)
	assert.Equal(t, int32(2), gateway.Shards)
	assert.Equal(t, int32(999), gateway.SessionStartLimit.Remaining)
}

func TestGetGatewayUnauthorized(t *testing.T) {
	t.Parallel()

	executor, _ := newExecutor(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"401: Unauthorized","code":0}`))
	})

	_, err := executor.GetGatewayBot(context.Background())
	assert.ErrorIs(t, err, rest.ErrUnauthorized)
}

func TestFetchJSON(t *testing.T) {
	t.Parallel()

	executor, _ := newExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.JSONEq(t, `{"name":"general"}`, string(body))

		_, _ = w.Write([]byte(`{"id":"5","name":"general"}`))
	})

	var channel struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}

	err := executor.FetchJSON(context.Background(),
		rest.NewRoute(http.MethodPatch, "/channels/{channel_id}", "channel_id", "5"),
		map[string]string{"name": "general"},
		&channel,
	)
	require.NoError(t, err)

	assert.Equal(t, "5", channel.ID)
	assert.Equal(t, "general", channel.Name)
}
