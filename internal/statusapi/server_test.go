package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/hostwatch/hostwatch/internal/auth"
	"github.com/hostwatch/hostwatch/internal/collector"
	"github.com/hostwatch/hostwatch/internal/config"
	"github.com/hostwatch/hostwatch/internal/metrics"
	"github.com/hostwatch/hostwatch/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	snaps  map[types.MetricKey]types.Snapshot
	broken map[types.MetricKey]error
}

func newFakeProber() *fakeProber {
	return &fakeProber{
		snaps: map[types.MetricKey]types.Snapshot{
			types.KeyIP:        types.IPStatus{IP: "203.0.113.7"},
			types.KeyDisk:      types.DiskStatus{Disks: map[string]float64{"/": 55}},
			types.KeyApt:       types.AptStatus{TotalUpdates: 2, CriticalUpdates: 1},
			types.KeyLoad:      types.LoadStatus{Load1m: 0.1, Load5m: 0.2, Load15m: 0.3},
			types.KeyMemory:    types.MemoryStatus{AvailableRAM: 512, TotalRAM: 1024, AvailableSwap: 0, TotalSwap: 0},
			types.KeyUsers:     types.UsersStatus{UserCount: 1, Usernames: []string{"root"}},
			types.KeyProcesses: types.ProcessStatus{Processes: map[string]bool{"nginx": true}},
		},
		broken: map[types.MetricKey]error{},
	}
}

func (p *fakeProber) Probe(_ context.Context, key types.MetricKey) (types.Snapshot, error) {
	if err, ok := p.broken[key]; ok {
		return nil, err
	}
	return p.snaps[key], nil
}

func (p *fakeProber) All(ctx context.Context) *types.AllStatus {
	all := types.NewAllStatus()
	for _, key := range types.MetricKeys {
		snap, err := p.Probe(ctx, key)
		if err != nil {
			all.Errors[key] = err
			continue
		}
		all.Set(snap)
	}
	return all
}

type fakeAuth struct {
	blocked bool
}

func (a *fakeAuth) Login(_ context.Context, username, password string) (auth.Token, error) {
	if a.blocked {
		return auth.Token{}, &auth.BlockedError{Remaining: time.Minute}
	}
	if username != "bot" || password != "pw" {
		return auth.Token{}, auth.ErrInvalidCredentials
	}
	return auth.Token{AccessToken: "tok-bot", ExpiresIn: time.Hour}, nil
}

func (a *fakeAuth) VerifyToken(raw string) (string, error) {
	if raw != "tok-bot" {
		return "", auth.ErrInvalidToken
	}
	return "bot", nil
}

func (a *fakeAuth) VerifyAPIKey(key string) (string, bool) {
	return "admin", key == "key-admin"
}

type fixture struct {
	prober  *fakeProber
	auth    *fakeAuth
	metrics *metrics.API
	srv     *httptest.Server
}

func newFixture(t *testing.T, rl config.RateLimitConfig) *fixture {
	t.Helper()
	reg := prometheus.NewRegistry()
	f := &fixture{prober: newFakeProber(), auth: &fakeAuth{}, metrics: metrics.NewAPI(reg)}
	s := NewServer(&config.APIConfig{RateLimit: rl}, f.prober, f.auth, f.metrics, zerolog.Nop())
	s.SetMetricsHandler(metrics.Handler(reg))
	f.srv = httptest.NewServer(s.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) get(t *testing.T, path string, header http.Header) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.srv.URL+path, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp, body
}

func bearer(tok string) http.Header {
	return http.Header{"Authorization": {"Bearer " + tok}}
}

func TestRootBanner(t *testing.T) {
	f := newFixture(t, config.RateLimitConfig{})
	resp, body := f.get(t, "/api", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Server Monitoring API is running", body["message"])
}

func TestLogin(t *testing.T) {
	f := newFixture(t, config.RateLimitConfig{})

	resp, err := http.PostForm(f.srv.URL+"/api/auth/token", url.Values{"username": {"bot"}, "password": {"pw"}})
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tok tokenResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tok))
	assert.Equal(t, tokenResponse{AccessToken: "tok-bot", TokenType: "bearer", ExpiresIn: 3600}, tok)
}

func TestLoginFailures(t *testing.T) {
	f := newFixture(t, config.RateLimitConfig{})

	resp, err := http.PostForm(f.srv.URL+"/api/auth/token", url.Values{"username": {"bot"}, "password": {"bad"}})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.PostForm(f.srv.URL+"/api/auth/token", url.Values{"username": {"bot"}})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	f.auth.blocked = true
	resp, err = http.PostForm(f.srv.URL+"/api/auth/token", url.Values{"username": {"bot"}, "password": {"pw"}})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.LoginFailures))
}

func TestStatusRequiresCredentials(t *testing.T) {
	f := newFixture(t, config.RateLimitConfig{})

	resp, body := f.get(t, "/api/status/load", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Bearer", resp.Header.Get("WWW-Authenticate"))
	assert.Equal(t, "NotAuthenticated", body["error"])

	resp, _ = f.get(t, "/api/status/load", bearer("forged"))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.get(t, "/api/status/load", http.Header{"X-Api-Key": {"wrong"}})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestStatusSingleKey(t *testing.T) {
	f := newFixture(t, config.RateLimitConfig{})

	resp, body := f.get(t, "/api/status/load", bearer("tok-bot"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0.2, body["load_5m"])

	resp, body = f.get(t, "/api/status/Disk", http.Header{"X-Api-Key": {"key-admin"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]interface{}{"/": 55.0}, body["disks"])

	resp, body = f.get(t, "/api/status/cpu", bearer("tok-bot"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "UnknownKey", body["error"])
}

func TestStatusProbeFailure(t *testing.T) {
	f := newFixture(t, config.RateLimitConfig{})
	f.prober.broken[types.KeyApt] = errors.New("apt: command not found")

	resp, body := f.get(t, "/api/status/apt", bearer("tok-bot"))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "ProbeFailed", body["error"])

	resp, body = f.get(t, "/api/status/all", bearer("tok-bot"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, body, "apt")
	assert.Contains(t, body, "memory")
	assert.Len(t, body, len(types.MetricKeys)-1)

	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.ProbeFailures.WithLabelValues("apt")))
}

func TestStatusAllFailing(t *testing.T) {
	f := newFixture(t, config.RateLimitConfig{})
	for _, key := range types.MetricKeys {
		f.prober.broken[key] = errors.New("down")
	}
	resp, _ := f.get(t, "/api/status/all", bearer("tok-bot"))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, config.RateLimitConfig{RPS: 0.001, Burst: 2})

	for i := 0; i < 2; i++ {
		resp, _ := f.get(t, "/api", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, body := f.get(t, "/api", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "RateLimited", body["error"])
}

func TestRequestMetrics(t *testing.T) {
	f := newFixture(t, config.RateLimitConfig{})
	f.get(t, "/api/status/ip", bearer("tok-bot"))
	f.get(t, "/api/status/ip", nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Requests.WithLabelValues("GET /api/status/{key}", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Requests.WithLabelValues("GET /api/status/{key}", "401")))

	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// The bot's client against this server with real authentication
func TestClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := auth.OpenUserStore(filepath.Join(t.TempDir(), "users.db"))
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.AddUser(ctx, "bot", "s3cret"))

	issuer, err := auth.NewTokenIssuer([]byte("jwt-secret"), time.Hour, nil)
	require.NoError(t, err)
	authn := auth.NewAuthenticator(store, issuer, auth.NewLockout(3, time.Minute, nil), nil, zerolog.Nop())

	reg := prometheus.NewRegistry()
	s := NewServer(&config.APIConfig{}, newFakeProber(), authn, metrics.NewAPI(reg), zerolog.Nop())
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	client := collector.NewClient(collector.Options{
		BaseURL:  srv.URL,
		Username: "bot",
		Password: "s3cret",
		Timeout:  5 * time.Second,
	}, zerolog.Nop())

	res := client.Fetch(ctx, types.KeyUsers)
	require.True(t, res.OK(), "%v", res.Err)
	assert.Equal(t, types.UsersStatus{UserCount: 1, Usernames: []string{"root"}}, res.Snapshot)

	res = client.Fetch(ctx, types.KeyAll)
	require.True(t, res.OK(), "%v", res.Err)
	assert.Len(t, res.All.Sections, len(types.MetricKeys))
	assert.Empty(t, res.All.Errors)
	assert.Equal(t, int64(1), client.Health().TokenRefreshes)

	bad := collector.NewClient(collector.Options{BaseURL: srv.URL, Username: "bot", Password: "nope"}, zerolog.Nop())
	res = bad.Fetch(ctx, types.KeyIP)
	assert.False(t, res.OK())
	assert.ErrorIs(t, res.Err, collector.ErrUnauthorized)
}
