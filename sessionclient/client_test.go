package sessionclient_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinderboard/relay/api"
	"github.com/kinderboard/relay/broadcast"
	"github.com/kinderboard/relay/codec"
	"github.com/kinderboard/relay/internal/logging"
	"github.com/kinderboard/relay/session"
	"github.com/kinderboard/relay/sessionclient"
)

type relay struct {
	srv   *httptest.Server
	codec *codec.Codec
	hub   *broadcast.MemoryHub
}

func startRelay(t *testing.T, opts ...api.Option) *relay {
	t.Helper()
	c, err := codec.NewFromSecrets(bytes.Repeat([]byte("k"), 32))
	require.NoError(t, err)
	hub := broadcast.NewMemoryHub()

	opts = append([]api.Option{api.WithHub(hub), api.WithLogger(logging.Discard())}, opts...)
	a := api.New(c, opts...)
	r := chi.NewRouter()
	r.Mount(api.DefaultPrefix, a.Router())
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		a.Close()
		hub.Close()
	})
	return &relay{srv: srv, codec: c, hub: hub}
}

func (rl *relay) baseURL() string {
	return rl.srv.URL + api.DefaultPrefix
}

func (rl *relay) seal(t *testing.T, v any) string {
	t.Helper()
	s, err := rl.codec.Encrypt(v)
	require.NoError(t, err)
	return s
}

func (rl *relay) client(t *testing.T) (*sessionclient.Client, http.CookieJar) {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	c, err := sessionclient.New(rl.baseURL(), sessionclient.WithHTTPClient(&http.Client{Jar: jar}),
		sessionclient.WithLogger(logging.Discard()))
	require.NoError(t, err)
	return c, jar
}

func TestNewRejectsRelativeURL(t *testing.T) {
	_, err := sessionclient.New("/api/auth")
	require.Error(t, err)
}

func TestSessionLifecycle(t *testing.T) {
	rl := startRelay(t)
	c, _ := rl.client(t)
	ctx := t.Context()

	ok, err := c.Check(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = c.Session(ctx)
	require.ErrorIs(t, err, sessionclient.ErrNoSession)

	sealed, err := c.SetSession(ctx, "tok-1", rl.seal(t, map[string]any{"id": 7, "name": "Ana"}), false)
	require.NoError(t, err)
	cached, ok := c.Cached()
	require.True(t, ok)
	assert.Equal(t, sessionclient.Session{Token: "tok-1", UserInfo: sealed}, cached)

	ok, err = c.Check(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	s, err := c.Session(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", s.Token)
	assert.Equal(t, sealed, s.UserInfo)

	updated, err := c.UpdateProfile(ctx, rl.seal(t, map[string]any{"name": "Ana B"}))
	require.NoError(t, err)
	var info map[string]any
	require.NoError(t, rl.codec.Decrypt(updated, &info))
	assert.Equal(t, "Ana B", info["name"])
	assert.Equal(t, json.Number("7"), info["id"])
	cached, _ = c.Cached()
	assert.Equal(t, updated, cached.UserInfo)

	require.NoError(t, c.Logout(ctx))
	_, ok = c.Cached()
	assert.False(t, ok)
	ok, err = c.Check(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAutoLoginRoundTrip(t *testing.T) {
	rl := startRelay(t)
	c, _ := rl.client(t)
	ctx := t.Context()

	_, err := c.SetSession(ctx, "tok-1", rl.seal(t, map[string]any{"id": 1}), false)
	require.NoError(t, err)
	require.NoError(t, c.EnableAutoLogin(ctx, rl.seal(t, session.AutoLoginRequest{PhoneNumber: "5551234"})))

	state, err := c.AutoLoginState(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, state.AutoLogin)
	assert.Empty(t, state.StopAutoLogging)

	var rec session.AutoLogin
	require.NoError(t, rl.codec.Decrypt(state.AutoLogin, &rec))
	assert.Equal(t, "tok-1", rec.Token)

	require.NoError(t, c.Logout(ctx))
	state, err = c.AutoLoginState(ctx)
	require.NoError(t, err)
	assert.Empty(t, state.AutoLogin)
	assert.NotEmpty(t, state.StopAutoLogging)

	require.NoError(t, c.ForgetDevice(ctx))
	state, err = c.AutoLoginState(ctx)
	require.NoError(t, err)
	assert.Equal(t, sessionclient.AutoLoginState{}, state)
}

func TestStatusError(t *testing.T) {
	rl := startRelay(t)
	c, _ := rl.client(t)

	_, err := c.UpdateProfile(t.Context(), rl.seal(t, map[string]any{"name": "x"}))
	var se *sessionclient.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadRequest, se.Code)
	assert.Equal(t, "Not found", se.Message)
}

func TestCSRFTokenIsSent(t *testing.T) {
	rl := startRelay(t, api.WithCSRF(true))
	c, _ := rl.client(t)
	ctx := t.Context()

	_, err := c.SetSession(ctx, "tok-1", rl.seal(t, map[string]any{"id": 1}), false)
	require.NoError(t, err)
	_, err = c.UpdateProfile(ctx, rl.seal(t, map[string]any{"name": "x"}))
	require.NoError(t, err)
	require.NoError(t, c.Logout(ctx))
}

func TestSessionIsSingleFlight(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"message":"OK","token":"t","userInfo":"u"}`))
	}))
	defer srv.Close()

	c, err := sessionclient.New(srv.URL + api.DefaultPrefix)
	require.NoError(t, err)

	const n = 8
	var started, done sync.WaitGroup
	started.Add(n)
	done.Add(n)
	results := make([]sessionclient.Session, n)
	for i := range n {
		go func() {
			defer done.Done()
			started.Done()
			s, err := c.Session(context.Background())
			assert.NoError(t, err)
			results[i] = s
		}()
	}
	started.Wait()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	done.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, s := range results {
		assert.Equal(t, sessionclient.Session{Token: "t", UserInfo: "u"}, s)
	}
}

func TestSessionSurvivesFirstCallerTimeout(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(150 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"message":"OK","token":"t","userInfo":"u"}`))
	}))
	defer srv.Close()

	c, err := sessionclient.New(srv.URL + api.DefaultPrefix)
	require.NoError(t, err)

	short, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Session(short)
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 2*time.Millisecond)

	s, err := c.Session(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sessionclient.Session{Token: "t", UserInfo: "u"}, s)
	assert.ErrorIs(t, <-firstErr, context.DeadlineExceeded)
	assert.Equal(t, int32(1), calls.Load())

	cached, ok := c.Cached()
	require.True(t, ok)
	assert.Equal(t, s, cached)
}

func TestCheckReturnsOnCallerCancel(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"message":"OK"}`))
	}))
	defer srv.Close()
	defer close(release)

	c, err := sessionclient.New(srv.URL + api.DefaultPrefix)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = c.Check(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestListenReceivesSessionEvents(t *testing.T) {
	rl := startRelay(t)
	c, jar := rl.client(t)

	ctx, cancel := context.WithCancel(t.Context())
	events := make(chan broadcast.Event, 8)
	listenErr := make(chan error, 1)
	go func() {
		listenErr <- c.Listen(ctx, func(ev broadcast.Event) { events <- ev })
	}()

	base, err := url.Parse(rl.baseURL())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		for _, ck := range jar.Cookies(base) {
			if ck.Name == session.DeviceCookie {
				return rl.hub.Subscribers(ck.Value) == 1
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	sealed, err := c.SetSession(t.Context(), "tok-1", rl.seal(t, map[string]any{"id": 1}), false)
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, broadcast.EventSession, ev.Type)
		assert.Equal(t, sealed, ev.UserInfo)
	case <-time.After(2 * time.Second):
		t.Fatal("no session event")
	}
	_, ok := c.Cached()
	assert.True(t, ok, "own session event keeps the cache")

	require.NoError(t, c.Logout(t.Context()))
	select {
	case ev := <-events:
		assert.Equal(t, broadcast.EventLogout, ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no logout event")
	}

	cancel()
	select {
	case err := <-listenErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Listen did not return")
	}
}

func TestListenAdoptsSessionFromOtherTab(t *testing.T) {
	rl := startRelay(t)
	tabB, jar := rl.client(t)
	tabA, err := sessionclient.New(rl.baseURL(), sessionclient.WithHTTPClient(&http.Client{Jar: jar}),
		sessionclient.WithLogger(logging.Discard()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	events := make(chan broadcast.Event, 8)
	go tabB.Listen(ctx, func(ev broadcast.Event) { events <- ev })

	base, err := url.Parse(rl.baseURL())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		for _, ck := range jar.Cookies(base) {
			if ck.Name == session.DeviceCookie {
				return rl.hub.Subscribers(ck.Value) == 1
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	sealed, err := tabA.SetSession(t.Context(), "tok-A", rl.seal(t, map[string]any{"id": 3}), false)
	require.NoError(t, err)

	select {
	case ev := <-events:
		require.Equal(t, broadcast.EventSession, ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no session event")
	}
	got, ok := tabB.Cached()
	require.True(t, ok, "tab B adopts the session from the event")
	assert.Equal(t, sessionclient.Session{Token: "tok-A", UserInfo: sealed}, got)
}

func TestListenWithoutStream(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	c, err := sessionclient.New(srv.URL)
	require.NoError(t, err)

	err = c.Listen(t.Context(), nil)
	var se *sessionclient.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.Code)
}
