package api_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"net/http"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinderboard/relay/api"
	"github.com/kinderboard/relay/codec"
	"github.com/kinderboard/relay/session"
	"github.com/kinderboard/relay/storage/memory"
)

func TestAuditTrailIsPersisted(t *testing.T) {
	repo := memory.NewRepository()
	h := setupServer(t, api.WithAuditRepository(repo))
	client := newClient(t)

	h.login(t, client, "secret-token", map[string]any{"id": 1}, false)
	h.clock.Advance(time.Second)
	require.Equal(t, http.StatusOK, h.enableAutoLogin(t, client, "01012345678", false).StatusCode)
	h.clock.Advance(time.Second)
	require.Equal(t, http.StatusOK, doJSON(t, client, http.MethodPost, h.url("clear-cookie"), nil).StatusCode)
	h.clock.Advance(time.Second)
	resp := doJSON(t, client, http.MethodPost, h.url("set-cookie"), api.SetCookieRequest{Token: "t", UserInfo: "garbage"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	ctx := context.Background()
	entries, err := api.ListAuditEntries(ctx, repo, "", 0)
	require.NoError(t, err)
	require.Len(t, entries, 4)

	events := make([]api.AuditEvent, len(entries))
	for i, e := range entries {
		events[i] = e.Event
		assert.NotEmpty(t, e.ID)
		assert.Equal(t, "127.0.0.1", e.RemoteAddr)
		for _, v := range e.Attrs {
			assert.NotContains(t, v, "secret-token")
		}
	}
	assert.Equal(t, []api.AuditEvent{
		api.AuditCodecFailure,
		api.AuditLogout,
		api.AuditAutoLoginEnabled,
		api.AuditSessionIssued,
	}, events)

	failure := entries[0]
	assert.Equal(t, "malformed", failure.Attrs["reason"])
	assert.Equal(t, "set-cookie", failure.Attrs["endpoint"])
	assert.Equal(t, "body", failure.Attrs["source"])
	assert.Equal(t, "true", entries[1].Attrs["stop_marker"])
	assert.Equal(t, "created", entries[2].Attrs["outcome"])
	assert.Equal(t, "persistent", entries[3].Attrs["scope"])

	logouts, err := api.ListAuditEntries(ctx, repo, api.AuditLogout, 0)
	require.NoError(t, err)
	require.Len(t, logouts, 1)

	latest, err := api.ListAuditEntries(ctx, repo, "", 2)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, api.AuditCodecFailure, latest[0].Event)
}

func TestUnreadableUserInfoCookieIsAudited(t *testing.T) {
	other, err := codec.NewFromSecrets(bytes.Repeat([]byte("z"), 32))
	require.NoError(t, err)
	foreign, err := other.Encrypt(map[string]any{"id": 1, "maxAgeUnix": 1_800_000_000})
	require.NoError(t, err)

	tests := []struct {
		name   string
		cookie func(t *testing.T, h *harness) string
		reason string
	}{
		{"Tampered", func(t *testing.T, h *harness) string {
			raw, err := base64.RawURLEncoding.DecodeString(h.seal(t, map[string]any{"id": 1, "maxAgeUnix": 1_800_000_000}))
			require.NoError(t, err)
			raw[len(raw)-1] ^= 0x01
			return base64.RawURLEncoding.EncodeToString(raw)
		}, "authentication"},
		{"ForeignKey", func(*testing.T, *harness) string { return foreign }, "unknown_key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := memory.NewRepository()
			h := setupServer(t, api.WithAuditRepository(repo))
			client := newClient(t)
			value := tt.cookie(t, h)
			h.plant(t, client,
				&http.Cookie{Name: session.AuthTokenCookie, Value: "abc"},
				&http.Cookie{Name: session.UserInfoCookie, Value: value},
			)

			resp := doJSON(t, client, http.MethodPost, h.url("set-cookie-profile"), api.SetProfileRequest{
				UserInfo: h.seal(t, map[string]any{"name": "Lee"}),
			})
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Empty(t, resp.Cookies())
			assert.Equal(t, api.ErrorResponse{Error: "Not found"}, decode[api.ErrorResponse](t, resp))

			entries, err := api.ListAuditEntries(context.Background(), repo, "", 0)
			require.NoError(t, err)
			require.Len(t, entries, 1)
			failure := entries[0]
			assert.Equal(t, api.AuditCodecFailure, failure.Event)
			assert.Equal(t, tt.reason, failure.Attrs["reason"])
			assert.Equal(t, "set-cookie-profile", failure.Attrs["endpoint"])
			assert.Equal(t, "cookie", failure.Attrs["source"])
			for _, v := range failure.Attrs {
				assert.NotContains(t, v, value)
				assert.NotContains(t, v, value[:16])
			}
		})
	}
}

func TestAuditRemoteAddrHonorsTrustedProxies(t *testing.T) {
	for name, tc := range map[string]struct {
		trusted []netip.Prefix
		want    string
	}{
		"untrusted": {nil, "127.0.0.1"},
		"trusted":   {[]netip.Prefix{netip.MustParsePrefix("127.0.0.0/8")}, "203.0.113.5"},
	} {
		t.Run(name, func(t *testing.T) {
			repo := memory.NewRepository()
			h := setupServer(t, api.WithAuditRepository(repo), api.WithTrustedProxies(tc.trusted))

			req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, h.url("clear-auto-login"), nil)
			require.NoError(t, err)
			req.Header.Set("X-Forwarded-For", "203.0.113.5")
			resp, err := newClient(t).Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			require.Equal(t, http.StatusOK, resp.StatusCode)

			entries, err := api.ListAuditEntries(context.Background(), repo, "", 0)
			require.NoError(t, err)
			require.Len(t, entries, 1)
			assert.Equal(t, tc.want, entries[0].RemoteAddr)
		})
	}
}

func TestCodecFailureSpikeRaisesOneAlert(t *testing.T) {
	var (
		mu     sync.Mutex
		alerts []api.AlertEvent
	)
	h := setupServer(t,
		api.WithCodecFailureThreshold(3, time.Minute),
		api.WithAlertFunc(func(ev api.AlertEvent) {
			mu.Lock()
			defer mu.Unlock()
			alerts = append(alerts, ev)
		}),
	)
	client := newClient(t)

	for i := 0; i < 4; i++ {
		resp := doJSON(t, client, http.MethodPost, h.url("set-cookie"), api.SetCookieRequest{Token: "t", UserInfo: "garbage"})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, alerts, 1)
	assert.Equal(t, api.AlertCodecFailureSpike, alerts[0].Type)
	assert.Equal(t, 3, alerts[0].Count)
	assert.Equal(t, 3, alerts[0].Threshold)
}

func TestCodecFailuresOutsideWindowDoNotAlert(t *testing.T) {
	var calls int
	var mu sync.Mutex
	h := setupServer(t,
		api.WithCodecFailureThreshold(2, time.Minute),
		api.WithAlertFunc(func(api.AlertEvent) {
			mu.Lock()
			calls++
			mu.Unlock()
		}),
	)
	client := newClient(t)

	for i := 0; i < 3; i++ {
		resp := doJSON(t, client, http.MethodPost, h.url("set-cookie"), api.SetCookieRequest{Token: "t", UserInfo: "garbage"})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		h.clock.Advance(2 * time.Minute)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, calls)
}
