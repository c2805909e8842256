package collector

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hostwatch/hostwatch/internal/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAPI is a minimal monitoring API
type fakeAPI struct {
	mu        sync.Mutex
	logins    int32
	tokens    int
	valid     map[string]bool
	expiresIn int
	bodies    map[string]string
	delay     time.Duration
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		valid:     map[string]bool{},
		expiresIn: 3600,
		bodies:    map[string]string{},
	}
}

func (f *fakeAPI) revokeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.valid = map[string]bool{}
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/token", func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("username") != "bot" || r.FormValue("password") != "secret" {
			http.Error(w, `{"detail":"Incorrect username or password"}`, http.StatusUnauthorized)
			return
		}
		atomic.AddInt32(&f.logins, 1)
		f.mu.Lock()
		f.tokens++
		tok := fmt.Sprintf("tok-%d", f.tokens)
		f.valid[tok] = true
		f.mu.Unlock()
		fmt.Fprintf(w, `{"access_token":%q,"token_type":"bearer","expires_in":%d}`, tok, f.expiresIn)
	})
	mux.HandleFunc("GET /api/status/{key}", func(w http.ResponseWriter, r *http.Request) {
		if f.delay > 0 {
			select {
			case <-time.After(f.delay):
			case <-r.Context().Done():
				return
			}
		}
		authorized := r.Header.Get("X-API-Key") == "key-1"
		if tok, ok := bearerToken(r); ok {
			f.mu.Lock()
			authorized = f.valid[tok]
			f.mu.Unlock()
		}
		if !authorized {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		body, ok := f.bodies[r.PathValue("key")]
		if !ok {
			http.Error(w, "probe failed", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	})
	return mux
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && h[:7] == "Bearer " {
		return h[7:], true
	}
	return "", false
}

func newTestClient(t *testing.T, api *fakeAPI, mutate func(*Options)) *Client {
	t.Helper()
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)
	opts := Options{
		BaseURL:       srv.URL,
		Username:      "bot",
		Password:      "secret",
		Timeout:       2 * time.Second,
		RefreshMargin: 100 * time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return NewClient(opts, zerolog.Nop())
}

func TestFetchSingleKey(t *testing.T) {
	api := newFakeAPI()
	api.bodies["disk"] = `{"disks":{"/":42.5}}`
	c := newTestClient(t, api, nil)

	res := c.Fetch(context.Background(), types.KeyDisk)
	require.Equal(t, StatusOK, res.Status, "%v", res.Err)
	assert.Equal(t, types.DiskStatus{Disks: map[string]float64{"/": 42.5}}, res.Snapshot)

	h := c.Health()
	assert.True(t, h.Reachable)
	assert.Zero(t, h.ConsecutiveFailures)
	assert.EqualValues(t, 1, h.FetchCount)
}

func TestFetchCachesToken(t *testing.T) {
	api := newFakeAPI()
	api.bodies["ip"] = `{"ip":"203.0.113.7"}`
	c := newTestClient(t, api, nil)

	for i := 0; i < 3; i++ {
		require.True(t, c.Fetch(context.Background(), types.KeyIP).OK())
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&api.logins))
}

func TestFetchRefreshesTokenNearExpiry(t *testing.T) {
	api := newFakeAPI()
	api.bodies["ip"] = `{"ip":"203.0.113.7"}`
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c := newTestClient(t, api, func(o *Options) {
		o.Now = func() time.Time { return now }
	})

	require.True(t, c.Fetch(context.Background(), types.KeyIP).OK())
	now = now.Add(3500*time.Second + time.Second)
	require.True(t, c.Fetch(context.Background(), types.KeyIP).OK())
	assert.EqualValues(t, 2, atomic.LoadInt32(&api.logins))
}

func TestFetchRetriesAfterUnauthorized(t *testing.T) {
	api := newFakeAPI()
	api.bodies["load"] = `{"load_1m":0.5,"load_5m":0.4,"load_15m":0.3}`
	c := newTestClient(t, api, nil)

	require.True(t, c.Fetch(context.Background(), types.KeyLoad).OK())
	api.revokeAll()
	res := c.Fetch(context.Background(), types.KeyLoad)
	require.True(t, res.OK(), "%v", res.Err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&api.logins))
}

func TestFetchBadCredentials(t *testing.T) {
	api := newFakeAPI()
	c := newTestClient(t, api, func(o *Options) { o.Password = "wrong" })

	res := c.Fetch(context.Background(), types.KeyIP)
	assert.Equal(t, StatusError, res.Status)
	assert.ErrorIs(t, res.Err, ErrUnauthorized)
}

func TestFetchWithAPIKey(t *testing.T) {
	api := newFakeAPI()
	api.bodies["users"] = `{"user_count":1,"usernames":["root"]}`
	c := newTestClient(t, api, func(o *Options) { o.APIKey = "key-1" })

	res := c.Fetch(context.Background(), types.KeyUsers)
	require.True(t, res.OK(), "%v", res.Err)
	assert.Zero(t, atomic.LoadInt32(&api.logins))
}

func TestFetchEmptyAndMalformed(t *testing.T) {
	api := newFakeAPI()
	api.bodies["all"] = `{}`
	api.bodies["memory"] = `{"available_ram":100}`
	c := newTestClient(t, api, nil)

	res := c.Fetch(context.Background(), types.KeyAll)
	assert.Equal(t, StatusEmpty, res.Status)

	res = c.Fetch(context.Background(), types.KeyMemory)
	assert.Equal(t, StatusError, res.Status)
	assert.ErrorIs(t, res.Err, types.ErrMalformedSnapshot)
	assert.True(t, c.Health().Reachable)
}

func TestFetchAggregate(t *testing.T) {
	api := newFakeAPI()
	api.bodies["all"] = `{"ip":{"ip":"203.0.113.7"},"users":{"user_count":-1,"usernames":[]}}`
	c := newTestClient(t, api, nil)

	res := c.Fetch(context.Background(), types.KeyAll)
	require.Equal(t, StatusOK, res.Status)
	snap, err := res.All.Section(types.KeyIP)
	require.NoError(t, err)
	assert.Equal(t, types.IPStatus{IP: "203.0.113.7"}, snap)

	_, err = res.All.Section(types.KeyUsers)
	assert.ErrorIs(t, err, types.ErrMalformedSnapshot)
	_, err = res.All.Section(types.KeyDisk)
	assert.ErrorIs(t, err, types.ErrMalformedSnapshot)
}

func TestFetchTimeout(t *testing.T) {
	api := newFakeAPI()
	api.bodies["ip"] = `{"ip":"203.0.113.7"}`
	api.delay = time.Second
	c := newTestClient(t, api, func(o *Options) { o.Timeout = 50 * time.Millisecond })

	res := c.Fetch(context.Background(), types.KeyIP)
	assert.Equal(t, StatusError, res.Status)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)

	h := c.Health()
	assert.False(t, h.Reachable)
	assert.Equal(t, 1, h.ConsecutiveFailures)
	assert.NotEmpty(t, h.LastError)
}

func TestFetchServerErrorCountsFailures(t *testing.T) {
	api := newFakeAPI()
	c := newTestClient(t, api, nil)

	c.Fetch(context.Background(), types.KeyApt)
	c.Fetch(context.Background(), types.KeyApt)
	assert.Equal(t, 2, c.Health().ConsecutiveFailures)
}

func TestFetchUnknownKey(t *testing.T) {
	c := NewClient(Options{BaseURL: "http://127.0.0.1:1"}, zerolog.Nop())
	res := c.Fetch(context.Background(), "cpu")
	assert.Equal(t, StatusError, res.Status)
	assert.ErrorIs(t, res.Err, types.ErrUnknownKey)
}
