package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAPI serves the session endpoints and a protected resource that only
// accepts the token in valid.
type fakeAPI struct {
	mu           sync.Mutex
	valid        string
	next         Tokens
	refreshFails atomic.Bool
	refreshDelay time.Duration
	alwaysDeny   int // status returned by /data regardless of token, 0 to disable

	refreshCalls atomic.Int32
	dataCalls    atomic.Int32
	logoutCalls  atomic.Int32
	bodies       []string
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, Session{AccessToken: "access-1", RefreshToken: "refresh-1", ExpiresAt: time.Now().Add(15 * time.Minute)})
	})
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		f.refreshCalls.Add(1)
		if r.Header.Get("Authorization") != "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "refresh must not carry an access token"})
			return
		}
		time.Sleep(f.refreshDelay)
		if f.refreshFails.Load() {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		f.mu.Lock()
		f.valid = f.next.AccessToken
		next := f.next
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, next)
	})
	mux.HandleFunc("/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		f.logoutCalls.Add(1)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/data", func(w http.ResponseWriter, r *http.Request) {
		f.dataCalls.Add(1)
		b, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.bodies = append(f.bodies, string(b))
		valid := f.valid
		f.mu.Unlock()
		if f.alwaysDeny != 0 {
			writeJSON(w, f.alwaysDeny, map[string]string{"error": "denied"})
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+valid {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"ok": "yes"})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func setup(t *testing.T, api *fakeAPI, opts ...Option) *Client {
	t.Helper()
	if api.next.AccessToken == "" {
		api.next = Tokens{AccessToken: "access-2", RefreshToken: "refresh-2", ExpiresAt: time.Now().Add(15 * time.Minute)}
	}
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)

	c := New(srv.URL, opts...)
	c.Sessions().Set(Session{AccessToken: "access-1", RefreshToken: "refresh-1"})
	return c
}

func get(t *testing.T, c *Client) *http.Response {
	t.Helper()
	req, err := c.NewRequest(context.Background(), http.MethodGet, "/data", nil)
	require.NoError(t, err)
	resp, err := c.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestTransport_RefreshesOnceAndRetriesOnce(t *testing.T) {
	api := &fakeAPI{valid: "access-2"}
	c := setup(t, api)

	resp := get(t, c)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, api.refreshCalls.Load())
	assert.EqualValues(t, 2, api.dataCalls.Load())

	s, ok := c.Sessions().Get()
	require.True(t, ok)
	assert.Equal(t, "access-2", s.AccessToken)
	assert.Equal(t, "refresh-2", s.RefreshToken)
}

func TestTransport_NoSecondRefreshAfterRetry(t *testing.T) {
	api := &fakeAPI{alwaysDeny: http.StatusUnauthorized}
	c := setup(t, api)

	resp := get(t, c)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.EqualValues(t, 1, api.refreshCalls.Load())
	assert.EqualValues(t, 2, api.dataCalls.Load())
}

func TestTransport_ForbiddenAlsoRefreshes(t *testing.T) {
	api := &fakeAPI{alwaysDeny: http.StatusForbidden}
	c := setup(t, api)

	resp := get(t, c)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.EqualValues(t, 1, api.refreshCalls.Load())
}

func TestTransport_RefreshFailureClearsSession(t *testing.T) {
	api := &fakeAPI{valid: "access-2"}
	api.refreshFails.Store(true)
	c := setup(t, api)

	var cleared atomic.Int32
	c.Sessions().OnClear(func() { cleared.Add(1) })

	resp := get(t, c)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.EqualValues(t, 1, api.refreshCalls.Load())
	assert.EqualValues(t, 1, api.dataCalls.Load(), "original request must not be retried")

	_, ok := c.Sessions().Get()
	assert.False(t, ok)
	assert.EqualValues(t, 1, cleared.Load())

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "unauthorized", body["error"])
}

func TestTransport_ConcurrentFailuresShareOneRefresh(t *testing.T) {
	api := &fakeAPI{valid: "access-2", refreshDelay: 50 * time.Millisecond}
	c := setup(t, api)

	const n = 8
	var wg sync.WaitGroup
	statuses := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, err := c.NewRequest(context.Background(), http.MethodGet, "/data", nil)
			if err != nil {
				return
			}
			resp, err := c.Do(req)
			if err != nil {
				return
			}
			statuses[i] = resp.StatusCode
			resp.Body.Close()
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, api.refreshCalls.Load())
	for i, s := range statuses {
		assert.Equal(t, http.StatusOK, s, "request %d", i)
	}
}

func TestTransport_ReplaysBody(t *testing.T) {
	api := &fakeAPI{valid: "access-2"}
	c := setup(t, api)

	req, err := c.NewRequest(context.Background(), http.MethodPost, "/data", map[string]int{"amount": 5})
	require.NoError(t, err)
	resp, err := c.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	api.mu.Lock()
	bodies := append([]string(nil), api.bodies...)
	api.mu.Unlock()
	require.Len(t, bodies, 2)
	assert.Equal(t, bodies[0], bodies[1])
	assert.JSONEq(t, `{"amount":5}`, bodies[1])
}

func TestTransport_NoSessionNoRefresh(t *testing.T) {
	api := &fakeAPI{valid: "access-2"}
	c := setup(t, api)
	c.Sessions().Clear()

	resp := get(t, c)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Zero(t, api.refreshCalls.Load())
	assert.EqualValues(t, 1, api.dataCalls.Load())
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestTransport_NetworkErrorPassesThrough(t *testing.T) {
	netErr := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	var refreshes int
	tr := &Transport{
		Base:     roundTripFunc(func(*http.Request) (*http.Response, error) { return nil, netErr }),
		Sessions: NewSessionManager(),
		Refresh: func(context.Context, string) (Tokens, error) {
			refreshes++
			return Tokens{}, nil
		},
	}
	tr.Sessions.Set(Session{AccessToken: "a", RefreshToken: "r"})

	req, err := http.NewRequest(http.MethodGet, "http://api.invalid/data", nil)
	require.NoError(t, err)
	_, err = tr.RoundTrip(req)

	assert.ErrorIs(t, err, netErr)
	assert.Zero(t, refreshes)
	_, ok := tr.Sessions.Get()
	assert.True(t, ok, "network errors must not end the session")
}

func TestTransport_RefreshNetworkErrorKeepsSession(t *testing.T) {
	tr := &Transport{
		Base: roundTripFunc(func(*http.Request) (*http.Response, error) {
			return &http.Response{StatusCode: http.StatusUnauthorized, Body: http.NoBody, Header: http.Header{}}, nil
		}),
		Sessions: NewSessionManager(),
		Refresh: func(context.Context, string) (Tokens, error) {
			return Tokens{}, &net.OpError{Op: "dial", Err: errors.New("unreachable")}
		},
	}
	tr.Sessions.Set(Session{AccessToken: "a", RefreshToken: "r"})

	req, err := http.NewRequest(http.MethodGet, "http://api.invalid/data", nil)
	require.NoError(t, err)
	resp, err := tr.RoundTrip(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, ok := tr.Sessions.Get()
	assert.True(t, ok)
}

func TestTransport_CallerDeadlineDuringRefresh(t *testing.T) {
	release := make(chan struct{})
	refreshed := make(chan struct{})
	tr := &Transport{
		Base: roundTripFunc(func(*http.Request) (*http.Response, error) {
			return &http.Response{StatusCode: http.StatusUnauthorized, Body: http.NoBody, Header: http.Header{}}, nil
		}),
		Sessions: NewSessionManager(),
		Refresh: func(ctx context.Context, _ string) (Tokens, error) {
			defer close(refreshed)
			select {
			case <-release:
				return Tokens{AccessToken: "a2", RefreshToken: "r2"}, nil
			case <-ctx.Done():
				return Tokens{}, ctx.Err()
			}
		},
	}
	tr.Sessions.Set(Session{AccessToken: "a", RefreshToken: "r"})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://api.invalid/data", nil)
	require.NoError(t, err)

	start := time.Now()
	resp, err := tr.RoundTrip(req)
	elapsed := time.Since(start)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, resp)
	assert.Less(t, elapsed, time.Second)

	// the shared refresh outlives the caller and still rotates the session
	close(release)
	<-refreshed
	require.Eventually(t, func() bool {
		s, ok := tr.Sessions.Get()
		return ok && s.AccessToken == "a2"
	}, time.Second, 10*time.Millisecond)
}

func TestClient_DeadlineDuringSlowRefresh(t *testing.T) {
	api := &fakeAPI{refreshDelay: 2 * time.Second}
	c := setup(t, api)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req, err := c.NewRequest(ctx, http.MethodGet, "/data", nil)
	require.NoError(t, err)

	start := time.Now()
	resp, err := c.Do(req)
	if resp != nil {
		resp.Body.Close()
	}
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	c := New(srv.URL, WithTimeout(50*time.Millisecond))
	c.Sessions().Set(Session{AccessToken: "a", RefreshToken: "r"})

	_, err := c.Me(context.Background())
	require.Error(t, err)
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())

	var apiErr *APIError
	assert.False(t, errors.As(err, &apiErr))
	_, ok := c.Sessions().Get()
	assert.True(t, ok)
}

func TestClient_LoginAndLogout(t *testing.T) {
	api := &fakeAPI{}
	c := setup(t, api)
	c.Sessions().Clear()

	s, err := c.Login(context.Background(), "ana@x.com", "secret123")
	require.NoError(t, err)
	assert.Equal(t, "access-1", s.AccessToken)

	stored, ok := c.Sessions().Get()
	require.True(t, ok)
	assert.Equal(t, s.AccessToken, stored.AccessToken)

	require.NoError(t, c.Logout(context.Background()))
	assert.EqualValues(t, 1, api.logoutCalls.Load())
	_, ok = c.Sessions().Get()
	assert.False(t, ok)

	require.NoError(t, c.Logout(context.Background()))
	assert.EqualValues(t, 1, api.logoutCalls.Load())
}

func TestClient_ExplicitRefresh(t *testing.T) {
	api := &fakeAPI{}
	c := setup(t, api)

	require.NoError(t, c.Refresh(context.Background()))
	s, _ := c.Sessions().Get()
	assert.Equal(t, "access-2", s.AccessToken)

	api.refreshFails.Store(true)
	err := c.Refresh(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	_, ok := c.Sessions().Get()
	assert.False(t, ok)

	assert.ErrorIs(t, c.Refresh(context.Background()), ErrNoSession)
}

func TestSessionManager(t *testing.T) {
	m := NewSessionManager()
	_, ok := m.Get()
	assert.False(t, ok)
	assert.False(t, m.Rotate(Tokens{AccessToken: "x"}))

	var hooks int
	m.OnClear(func() { hooks++ })
	m.Clear()
	assert.Zero(t, hooks, "clearing an empty manager runs no hooks")

	m.Set(Session{AccessToken: "a", RefreshToken: "r"})
	m.Set(Session{AccessToken: "a", RefreshToken: "r", ExpiresAt: time.Unix(0, 0)})
	exp := time.Now().Add(time.Minute)
	assert.True(t, m.Rotate(Tokens{AccessToken: "b", RefreshToken: "s", ExpiresAt: exp}))

	s, ok := m.Get()
	require.True(t, ok)
	assert.Equal(t, "b", s.AccessToken)
	assert.Equal(t, exp, s.ExpiresAt)

	m.Clear()
	assert.Equal(t, 1, hooks)
}
