package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("metrics data"))
	})
}

func TestBasicAuthAllowsValidCredentials(t *testing.T) {
	h := NewBasicAuth("admin", "secret123").Handler(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.SetBasicAuth("admin", "secret123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "metrics data", rec.Body.String())
}

func TestBasicAuthRejects(t *testing.T) {
	h := NewBasicAuth("admin", "secret123").Handler(okHandler())

	tests := []struct {
		name       string
		user, pass string
		setAuth    bool
	}{
		{name: "no credentials"},
		{name: "wrong user", user: "root", pass: "secret123", setAuth: true},
		{name: "wrong password", user: "admin", pass: "nope", setAuth: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
			if tt.setAuth {
				req.SetBasicAuth(tt.user, tt.pass)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, `Basic realm="metrics"`, rec.Header().Get("WWW-Authenticate"))
		})
	}
}

func TestBasicAuthDisabled(t *testing.T) {
	h := NewBasicAuth("", "").Handler(okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddlewareCountsRequests(t *testing.T) {
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	counter := HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/devices/{id}", "418")
	before := testutil.ToFloat64(counter)

	req := httptest.NewRequest(http.MethodGet, "/devices/3f2b8c1e-7d4a-4b8e-9a1c-0d5e6f7a8b9c", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}

func TestHandlerServesRegistry(t *testing.T) {
	CodecFailures.WithLabelValues("get-cookie", "cookie").Inc()

	rec := httptest.NewRecorder()
	Handler("", "").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "kinderboard_codec_failures_total")
}
