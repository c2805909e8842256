package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hostwatch/hostwatch/internal/types"
	"github.com/hostwatch/hostwatch/internal/version"
	"github.com/rs/zerolog"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultTokenExpiry = time.Hour
	maxBodyBytes       = 1 << 20
)

// ErrUnauthorized is returned when the monitoring API rejects the credentials
var ErrUnauthorized = errors.New("monitoring API rejected credentials")

// Status is the outcome of one fetch
type Status int

const (
	// StatusOK means the payload decoded and validated
	StatusOK Status = iota
	// StatusEmpty means the API answered without data
	StatusEmpty
	// StatusError means transport, HTTP or decode failure
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusEmpty:
		return "empty"
	default:
		return "error"
	}
}

// Result carries one fetch outcome. Snapshot is set for single keys, All for
// the aggregate.
type Result struct {
	Key      types.MetricKey
	Status   Status
	Snapshot types.Snapshot
	All      *types.AllStatus
	Err      error
}

// OK reports whether the result carries usable data
func (r Result) OK() bool {
	return r.Status == StatusOK
}

// Health tracks reachability of the monitoring API
type Health struct {
	Reachable           bool      `json:"reachable"`
	LastSuccess         time.Time `json:"last_success"`
	LastError           string    `json:"last_error,omitempty"`
	LastErrorAt         time.Time `json:"last_error_at"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	FetchCount          int64     `json:"fetch_count"`
	TokenRefreshes      int64     `json:"token_refreshes"`
}

// Options configures a Client
type Options struct {
	BaseURL       string
	Username      string
	Password      string
	APIKey        string // sent as X-API-Key instead of logging in
	Timeout       time.Duration
	RefreshMargin time.Duration
	HTTPClient    *http.Client
	Now           func() time.Time
}

// Client fetches metric snapshots from the monitoring API
type Client struct {
	opts   Options
	http   *http.Client
	now    func() time.Time
	logger zerolog.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time

	healthMu sync.RWMutex
	health   Health
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// NewClient creates a monitoring API client
func NewClient(opts Options, logger zerolog.Logger) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = defaultTimeout
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Client{
		opts:   opts,
		http:   httpClient,
		now:    now,
		logger: logger.With().Str("component", "collector").Logger(),
	}
}

// Health returns the current health status
func (c *Client) Health() Health {
	c.healthMu.RLock()
	defer c.healthMu.RUnlock()
	return c.health
}

// Fetch retrieves one metric key, or every section for types.KeyAll. The
// call is bounded by the configured timeout.
func (c *Client) Fetch(ctx context.Context, key types.MetricKey) Result {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	res := c.fetch(ctx, key)
	c.record(res)
	return res
}

func (c *Client) fetch(ctx context.Context, key types.MetricKey) Result {
	if key != types.KeyAll && !key.Valid() {
		return Result{Key: key, Status: StatusError, Err: fmt.Errorf("%w: %q", types.ErrUnknownKey, key)}
	}

	body, err := c.get(ctx, "/api/status/"+string(key))
	if err != nil {
		return Result{Key: key, Status: StatusError, Err: err}
	}
	if types.IsEmptyPayload(body) {
		return Result{Key: key, Status: StatusEmpty, Err: fmt.Errorf("empty response for %s", key)}
	}

	if key == types.KeyAll {
		all, err := types.DecodeAll(body)
		if err != nil {
			return Result{Key: key, Status: StatusError, Err: err}
		}
		if all.Empty() && len(all.Errors) == 0 {
			return Result{Key: key, Status: StatusEmpty, Err: errors.New("aggregate response has no sections")}
		}
		return Result{Key: key, Status: StatusOK, All: all}
	}

	snap, err := types.DecodeSnapshot(key, body)
	if err != nil {
		return Result{Key: key, Status: StatusError, Err: err}
	}
	return Result{Key: key, Status: StatusOK, Snapshot: snap}
}

// get performs an authenticated GET. A 401 drops the cached token and the
// request is retried once with a fresh one.
func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.BaseURL+path, nil)
		if err != nil {
			return nil, fmt.Errorf("building request: %w", err)
		}
		if err := c.authorize(ctx, req); err != nil {
			return nil, err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("GET %s: %w", path, err)
		}
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized {
			c.dropToken()
			if attempt == 0 && c.opts.APIKey == "" {
				c.logger.Debug().Str("path", path).Msg("Token rejected, logging in again")
				continue
			}
			return nil, fmt.Errorf("GET %s: %w", path, ErrUnauthorized)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("GET %s: unexpected status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
		}
		if readErr != nil {
			return nil, fmt.Errorf("GET %s: reading body: %w", path, readErr)
		}
		return body, nil
	}
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	req.Header.Set("User-Agent", version.UserAgent("bot"))
	req.Header.Set("Accept", "application/json")
	if c.opts.APIKey != "" {
		req.Header.Set("X-API-Key", c.opts.APIKey)
		return nil
	}
	token, err := c.bearer(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// bearer returns the cached token, logging in when it is missing or within
// the refresh margin of its expiry
func (c *Client) bearer(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.tokenExpiry.Add(-c.opts.RefreshMargin)) {
		return c.token, nil
	}

	form := url.Values{}
	form.Set("username", c.opts.Username)
	form.Set("password", c.opts.Password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+"/api/auth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("building login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", version.UserAgent("bot"))

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", fmt.Errorf("login: %w", ErrUnauthorized)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login: unexpected status %d", resp.StatusCode)
	}

	var tok tokenResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&tok); err != nil {
		return "", fmt.Errorf("login: decoding token: %w", err)
	}
	if tok.AccessToken == "" {
		return "", errors.New("login: empty access token")
	}

	expiry := defaultTokenExpiry
	if tok.ExpiresIn > 0 {
		expiry = time.Duration(tok.ExpiresIn) * time.Second
	}
	c.token = tok.AccessToken
	c.tokenExpiry = c.now().Add(expiry)

	c.healthMu.Lock()
	c.health.TokenRefreshes++
	c.healthMu.Unlock()

	c.logger.Debug().Time("expires", c.tokenExpiry).Msg("Obtained API token")
	return c.token, nil
}

func (c *Client) dropToken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
	c.tokenExpiry = time.Time{}
}

func (c *Client) record(res Result) {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()

	c.health.FetchCount++
	switch {
	case res.Status == StatusOK:
		c.health.Reachable = true
		c.health.LastSuccess = c.now()
		c.health.ConsecutiveFailures = 0
	case errors.Is(res.Err, types.ErrMalformedSnapshot):
		// The API answered, only the payload was bad
		c.health.Reachable = true
		c.health.LastError = res.Err.Error()
		c.health.LastErrorAt = c.now()
	default:
		c.health.Reachable = false
		c.health.ConsecutiveFailures++
		if res.Err != nil {
			c.health.LastError = res.Err.Error()
		}
		c.health.LastErrorAt = c.now()
	}
}
