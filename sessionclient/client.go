// Package sessionclient talks to the cookie relay on behalf of a browser-like
// caller. It keeps the relay cookies in a jar, caches the current session
// and collapses concurrent session lookups into a single request.
package sessionclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kinderboard/relay/api"
)

// sharedTimeout bounds a shared lookup once it runs detached from its
// first caller.
const sharedTimeout = 30 * time.Second

// ErrNoSession is returned by Session when the relay holds no session
// cookies for this client.
var ErrNoSession = errors.New("sessionclient: no session")

// StatusError is an unexpected HTTP status from the relay.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("relay returned HTTP %d", e.Code)
	}
	return fmt.Sprintf("relay returned HTTP %d: %s", e.Code, e.Message)
}

// Session is what get-cookie returns: the opaque token and the sealed
// userInfo value.
type Session struct {
	Token    string
	UserInfo string
}

// AutoLoginState is the raw content of the auto-login cookies. Empty
// strings mean the cookie is absent.
type AutoLoginState struct {
	AutoLogin       string
	StopAutoLogging string
}

// Client calls the relay endpoints under baseURL.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	logger     *slog.Logger

	group singleflight.Group

	mu     sync.RWMutex
	cached *Session
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default client. A client without a cookie jar
// gets a fresh one.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger sets the logger used for stream diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a client for the relay mounted at baseURL, for example
// "https://board.example.com/api/auth".
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", baseURL)
	}

	c := &Client{
		baseURL:    u,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("create cookie jar: %w", err)
		}
		c.httpClient.Jar = jar
	}
	return c, nil
}

// Check reports whether the relay sees both session cookies. Concurrent
// callers share one request.
func (c *Client) Check(ctx context.Context) (bool, error) {
	v, err := c.shared(ctx, "check", func(ctx context.Context) (any, error) {
		var resp api.MessageResponse
		if _, err := c.do(ctx, http.MethodGet, "get-check-cookie", nil, &resp); err != nil {
			return false, err
		}
		return resp.Message == api.MessageOK, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// Session fetches the current session and caches it. Concurrent callers
// share one request.
func (c *Client) Session(ctx context.Context) (Session, error) {
	v, err := c.shared(ctx, "session", func(ctx context.Context) (any, error) {
		var resp api.CookieResponse
		status, err := c.do(ctx, http.MethodGet, "get-cookie", nil, &resp)
		if status == http.StatusUnauthorized {
			c.setCached(nil)
			return Session{}, ErrNoSession
		}
		if err != nil {
			return Session{}, err
		}
		s := Session{Token: resp.Token, UserInfo: resp.UserInfo}
		c.setCached(&s)
		return s, nil
	})
	if err != nil {
		return Session{}, err
	}
	return v.(Session), nil
}

// shared runs fn once for all concurrent callers of key. The request is
// detached from the caller that started it, so one caller giving up does
// not fail the others; each caller still returns when its own ctx ends.
func (c *Client) shared(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	ch := c.group.DoChan(key, func() (any, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedTimeout)
		defer cancel()
		return fn(runCtx)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cached returns the last session seen without contacting the relay.
func (c *Client) Cached() (Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cached == nil {
		return Session{}, false
	}
	return *c.cached, true
}

// SetSession stores token and the sealed userInfo. With useSession the
// cookies end with the browser session. It returns the sealed userInfo
// the relay wrote, which carries the expiry.
func (c *Client) SetSession(ctx context.Context, token, userInfo string, useSession bool) (string, error) {
	var resp api.SessionResponse
	req := api.SetCookieRequest{Token: token, UserInfo: userInfo, UseSession: useSession}
	if _, err := c.do(ctx, http.MethodPost, "set-cookie", req, &resp); err != nil {
		return "", err
	}
	c.setCached(&Session{Token: token, UserInfo: resp.UserInfo})
	return resp.UserInfo, nil
}

// UpdateProfile merges the sealed partial record into userInfo.
func (c *Client) UpdateProfile(ctx context.Context, partial string) (string, error) {
	var resp api.SessionResponse
	if _, err := c.do(ctx, http.MethodPost, "set-cookie-profile", api.SetProfileRequest{UserInfo: partial}, &resp); err != nil {
		return "", err
	}
	c.mu.Lock()
	if c.cached != nil {
		c.cached.UserInfo = resp.UserInfo
	}
	c.mu.Unlock()
	return resp.UserInfo, nil
}

// EnableAutoLogin creates or renews the auto-login record from a sealed
// login request.
func (c *Client) EnableAutoLogin(ctx context.Context, postBody string) error {
	_, err := c.do(ctx, http.MethodPost, "set-auto-login", api.SetAutoLoginRequest{PostBody: postBody}, nil)
	return err
}

// AutoLoginState returns the auto-login cookies as the relay sees them.
func (c *Client) AutoLoginState(ctx context.Context) (AutoLoginState, error) {
	var resp api.AutoLoginStateResponse
	if _, err := c.do(ctx, http.MethodGet, "get-auto-login", nil, &resp); err != nil {
		return AutoLoginState{}, err
	}
	return AutoLoginState{AutoLogin: resp.AutoLogin, StopAutoLogging: resp.StopAutoLogging}, nil
}

// Logout clears the session. If auto-login was on, the relay leaves a
// stop marker so the next visit does not log straight back in.
func (c *Client) Logout(ctx context.Context) error {
	if _, err := c.do(ctx, http.MethodPost, "clear-cookie", nil, nil); err != nil {
		return err
	}
	c.setCached(nil)
	return nil
}

// ForgetDevice drops the auto-login cookies entirely.
func (c *Client) ForgetDevice(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "clear-auto-login", nil, nil)
	return err
}

func (c *Client) setCached(s *Session) {
	c.mu.Lock()
	c.cached = s
	c.mu.Unlock()
}

func (c *Client) endpoint(name string) string {
	return c.baseURL.String() + "/" + name
}

// csrfToken returns the double-submit token the relay issued, if any.
func (c *Client) csrfToken() string {
	for _, ck := range c.httpClient.Jar.Cookies(c.baseURL) {
		if ck.Name == api.CSRFCookieName {
			return ck.Value
		}
	}
	return ""
}

// do sends one request and decodes a JSON response into out. It returns
// the status code even when it also returns an error.
func (c *Client) do(ctx context.Context, method, name string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(name), body)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method != http.MethodGet {
		if token := c.csrfToken(); token != "" {
			req.Header.Set(api.CSRFHeaderName, token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, statusError(resp.StatusCode, data)
	}
	if out == nil {
		return resp.StatusCode, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return resp.StatusCode, fmt.Errorf("unmarshal response: %w", err)
	}
	return resp.StatusCode, nil
}

func statusError(code int, body []byte) error {
	var e api.ErrorResponse
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return &StatusError{Code: code, Message: e.Error}
	}
	var m api.MessageResponse
	if err := json.Unmarshal(body, &m); err == nil && m.Message != "" {
		return &StatusError{Code: code, Message: m.Message}
	}
	return &StatusError{Code: code}
}
