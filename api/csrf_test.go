package api_test

import (
	"bytes"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinderboard/relay/api"
)

func TestCSRFProtectsSessionRequests(t *testing.T) {
	h := setupServer(t, api.WithCSRF(true))
	client := newClient(t)

	// No session yet, so logging in needs no token.
	h.login(t, client, "abc", map[string]any{"id": 1}, false)
	token, ok := h.cookie(t, client, "kinderboard_csrf")
	require.True(t, ok)
	require.NotEmpty(t, token)

	resp := doJSON(t, client, http.MethodPost, h.url("clear-cookie"), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	post := func(header string) *http.Response {
		req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, h.url("clear-cookie"), bytes.NewReader(nil))
		require.NoError(t, err)
		req.Header.Set("X-CSRF-Token", header)
		resp, err := client.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	assert.Equal(t, http.StatusForbidden, post("wrong").StatusCode)
	resp = post(token)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, ok = h.cookie(t, client, "kinderboard_csrf")
	assert.False(t, ok, "logout clears the CSRF cookie")

	// Reads are never checked.
	resp = doJSON(t, client, http.MethodGet, h.url("get-check-cookie"), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCSRFCookieIsReadableByScript(t *testing.T) {
	h := setupServer(t, api.WithCSRF(true))
	resp := doJSON(t, newClient(t), http.MethodPost, h.url("set-cookie"), api.SetCookieRequest{
		Token:    "abc",
		UserInfo: h.seal(t, map[string]any{"id": 1}),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	c := setCookie(resp, "kinderboard_csrf")
	require.NotNil(t, c)
	assert.False(t, c.HttpOnly)
}
