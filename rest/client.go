package rest

import (
	"context"
	"fmt"
	"net/http"

	"github.com/WelcomerTeam/Crust/crustjson"
	"github.com/WelcomerTeam/Crust/discord"
)

const (
	EndpointGateway    = "/gateway"
	EndpointGatewayBot = "/gateway/bot"
)

// Fetch performs a request and returns the response body.
func (e *Executor) Fetch(ctx context.Context, route Route, body []byte, header http.Header) ([]byte, error) {
	response, err := e.Do(ctx, &Request{
		Route:  route,
		Body:   body,
		Header: header,
	})
	if err != nil {
		return nil, err
	}

	return response.Body, nil
}

// FetchJSON marshals payload, performs the request and unmarshals the
// response into response. Either may be nil.
func (e *Executor) FetchJSON(ctx context.Context, route Route, payload, response any) error {
	var body []byte

	if payload != nil {
		var err error

		body, err = crustjson.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
	}

	resp, err := e.Fetch(ctx, route, body, nil)
	if err != nil {
		return err
	}

	if response != nil && len(resp) > 0 {
		err = crustjson.Unmarshal(resp, response)
		if err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}

	return nil
}

// GetGateway returns the gateway URL. It does not require authentication.
func (e *Executor) GetGateway(ctx context.Context) (*discord.Gateway, error) {
	gateway := &discord.Gateway{}

	err := e.FetchJSON(ctx, NewRoute(http.MethodGet, EndpointGateway), nil, gateway)
	if err != nil {
		return nil, fmt.Errorf("failed to get gateway: %w", err)
	}

	return gateway, nil
}

// GetGatewayBot returns the gateway URL along with the recommended shard
// count and session start limits.
func (e *Executor) GetGatewayBot(ctx context.Context) (*discord.GatewayBot, error) {
	gateway := &discord.GatewayBot{}

	err := e.FetchJSON(ctx, NewRoute(http.MethodGet, EndpointGatewayBot), nil, gateway)
	if err != nil {
		return nil, fmt.Errorf("failed to get gateway bot: %w", err)
	}

	return gateway, nil
}
