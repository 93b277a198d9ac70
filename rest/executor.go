package rest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/WelcomerTeam/Crust/crustjson"
	"github.com/WelcomerTeam/Crust/discord"
	"github.com/WelcomerTeam/Crust/internal/analytics"
	"github.com/WelcomerTeam/Crust/ratelimit"
	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	gotils_strconv "github.com/savsgio/gotils/strconv"
)

const (
	APIVersion      = "v10"
	EndpointDiscord = "https://discord.com/api"
	UserAgent       = "DiscordBot (https://github.com/WelcomerTeam/Crust, " + APIVersion + ")"

	DefaultTimeout = 10 * time.Second

	// Used when a 429 arrives without any retry information.
	DefaultRetryAfter = time.Second
)

// Options configures an Executor.
type Options struct {
	HTTP      *http.Client
	Registry  *ratelimit.Registry
	Clock     clock.Clock
	Endpoint  string
	Version   string
	Token     string
	UserAgent string
	Timeout   time.Duration
}

// Executor is the single entry point for REST calls. Every request is
// admitted against its ratelimit bucket before it is sent and the bucket is
// updated from every response.
type Executor struct {
	Logger zerolog.Logger

	HTTP     *http.Client
	Registry *ratelimit.Registry

	clock     clock.Clock
	endpoint  string
	token     string
	userAgent string
}

// NewExecutor creates an executor. Token is sent as a bot token.
func NewExecutor(logger zerolog.Logger, options Options) *Executor {
	if options.Clock == nil {
		options.Clock = clock.New()
	}

	if options.Timeout <= 0 {
		options.Timeout = DefaultTimeout
	}

	if options.HTTP == nil {
		options.HTTP = &http.Client{
			Timeout: options.Timeout,
		}
	}

	if options.Registry == nil {
		options.Registry = ratelimit.NewRegistry(logger, options.Clock)
	}

	if options.Endpoint == "" {
		options.Endpoint = EndpointDiscord
	}

	if options.Version == "" {
		options.Version = APIVersion
	}

	if options.UserAgent == "" {
		options.UserAgent = UserAgent
	}

	token := options.Token
	if token != "" && !strings.HasPrefix(token, "Bot ") && !strings.HasPrefix(token, "Bearer ") {
		token = "Bot " + token
	}

	return &Executor{
		Logger:    logger,
		HTTP:      options.HTTP,
		Registry:  options.Registry,
		clock:     options.Clock,
		endpoint:  strings.TrimSuffix(options.Endpoint, "/") + "/" + options.Version,
		token:     token,
		userAgent: options.UserAgent,
	}
}

// Execute starts the request and returns immediately. The Pending is
// fulfilled once the request succeeds or fails with a non retryable error;
// ratelimits are waited out transparently.
func (e *Executor) Execute(ctx context.Context, request *Request) *Pending {
	pending := newPending()

	go func() {
		response, err := e.run(ctx, request)
		pending.fulfil(response, err)
	}()

	return pending
}

// Do executes the request and waits for it.
func (e *Executor) Do(ctx context.Context, request *Request) (*Response, error) {
	return e.Execute(ctx, request).Wait(ctx)
}

func (e *Executor) run(ctx context.Context, request *Request) (*Response, error) {
	route := request.Route

	path, err := route.Path()
	if err != nil {
		return nil, err
	}

	bucket := e.Registry.Resolve(route.Method, route.Template, route.Params)

	logger := e.Logger.With().Str("route", route.String()).Logger()

	for {
		err = e.waitGlobal(ctx)
		if err != nil {
			return nil, err
		}

		// Grab the change signal before admission so an update landing in
		// between is not missed.
		changed := bucket.Changed()

		allowed, waitUntil := e.Registry.TryConsume(bucket, e.clock.Now())
		if !allowed {
			err = e.waitBucket(ctx, waitUntil, changed)
			if err != nil {
				return nil, err
			}

			continue
		}

		response, err := e.send(ctx, request, path)
		if err != nil {
			e.Registry.Settle(bucket)

			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			logger.Warn().Err(err).Msg("Request failed")

			return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
		}

		analytics.RecordRequest(route.Method, route.Template, response.Status)

		localNow := e.clock.Now()

		headers, err := e.Registry.ApplyServerUpdate(bucket, response.Header, ratelimit.ServerTime(response.Header, localNow), localNow)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to parse ratelimit headers")
		}

		switch {
		case response.Status >= http.StatusOK && response.Status < http.StatusMultipleChoices:
			return response, nil
		case response.Status == http.StatusTooManyRequests:
			e.handleTooManyRequests(logger, bucket, headers, response, localNow)

			continue
		default:
			return nil, newError(route.Method, path, response.Status, response.Body)
		}
	}
}

func (e *Executor) handleTooManyRequests(logger zerolog.Logger, bucket *ratelimit.Bucket, headers ratelimit.Headers, response *Response, localNow time.Time) {
	var body discord.TooManyRequests

	_ = crustjson.Unmarshal(response.Body, &body)

	retryAfter := headers.RetryAfter
	if !headers.HasRetryAfter {
		retryAfter = time.Duration(body.RetryAfter * float64(time.Second))
	}

	if retryAfter <= 0 {
		retryAfter = DefaultRetryAfter
	}

	global := headers.Global || body.Global

	logger.Warn().
		Bool("global", global).
		Str("scope", headers.Scope).
		Dur("retry_after", retryAfter).
		Msg("Hit ratelimit")

	if global {
		e.Registry.SetGlobalCooldown(localNow.Add(retryAfter))

		return
	}

	e.Registry.Exhaust(bucket, localNow.Add(retryAfter))
}

func (e *Executor) waitGlobal(ctx context.Context) error {
	for {
		changed := e.Registry.GlobalChanged()
		now := e.clock.Now()

		until, limited := e.Registry.GlobalWait(now)
		if !limited {
			return nil
		}

		analytics.RecordRateLimitWait("global", until.Sub(now).Seconds())

		err := e.sleep(ctx, until.Sub(now), changed)
		if err != nil {
			return err
		}
	}
}

func (e *Executor) waitBucket(ctx context.Context, waitUntil time.Time, changed <-chan struct{}) error {
	if waitUntil.IsZero() {
		analytics.RecordRateLimitWait("bucket", 0)

		select {
		case <-changed:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	wait := waitUntil.Sub(e.clock.Now())

	analytics.RecordRateLimitWait("bucket", wait.Seconds())

	return e.sleep(ctx, wait, changed)
}

// sleep waits for d on the executor clock, returning early if wake closes.
func (e *Executor) sleep(ctx context.Context, d time.Duration, wake <-chan struct{}) error {
	if d <= 0 {
		return nil
	}

	timer := e.clock.Timer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-wake:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) send(ctx context.Context, request *Request, path string) (*Response, error) {
	var body io.Reader

	if request.Body != nil {
		body = bytes.NewReader(request.Body)
	}

	req, err := http.NewRequestWithContext(ctx, request.Route.Method, e.endpoint+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create new request: %w", err)
	}

	if len(request.Query) > 0 {
		query := url.Values{}

		for key, value := range request.Query {
			query.Set(key, value)
		}

		req.URL.RawQuery = query.Encode()
	}

	for name, values := range request.Header {
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}

	if request.Body != nil && req.Header.Get("Content-Type") == "" {
		contentType := request.ContentType
		if contentType == "" {
			contentType = "application/json"
		}

		req.Header.Set("Content-Type", contentType)
	}

	if request.Reason != "" {
		req.Header.Set("X-Audit-Log-Reason", url.PathEscape(request.Reason))
	}

	if e.token != "" && req.Header.Get("Authorization") == "" {
		req.Header.Set("Authorization", e.token)
	}

	req.Header.Set("User-Agent", e.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := e.HTTP.Do(req)
	if err != nil {
		return nil, err
	}

	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}

	if e.Logger.GetLevel() <= zerolog.TraceLevel {
		e.Logger.Trace().
			Str("method", req.Method).
			Str("url", req.URL.String()).
			Int("status", resp.StatusCode).
			Msg(gotils_strconv.B2S(responseBody))
	}

	return &Response{
		Header: resp.Header,
		Body:   responseBody,
		Status: resp.StatusCode,
	}, nil
}
