// Package api implements the cookie relay endpoints: issuing, renewing,
// inspecting and tearing down the encrypted session cookies of the Kinder
// Board web client.
package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/kinderboard/relay/broadcast"
	"github.com/kinderboard/relay/internal/logging"
	"github.com/kinderboard/relay/storage"
)

// DefaultPrefix is where the relay endpoints are mounted unless configured
// otherwise.
const DefaultPrefix = "/api/auth"

// Codec seals and opens cookie values.
type Codec interface {
	Encrypt(v any) (string, error)
	Decrypt(s string, v any) error
}

// API holds the dependencies needed by the relay handlers.
type API struct {
	codec        Codec
	now          func() time.Time
	logger       *slog.Logger
	prefix       string
	production   bool
	sameSite     http.SameSite
	cookieDomain string
	csrf         bool
	hub          broadcast.Hub

	auditRepo      storage.Repository
	webhookURL     string
	webhookAuth    string
	alertFn        AlertFunc
	alertWindow    time.Duration
	alertThreshold int
	limiter        *failureLimiter
	trustedProxies []netip.Prefix

	audit *auditLogger
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit and error events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// WithClock replaces time.Now. Tests use it to pin expiry arithmetic.
func WithClock(now func() time.Time) Option {
	return func(a *API) {
		a.now = now
	}
}

// WithProduction marks cookies Secure.
func WithProduction(production bool) Option {
	return func(a *API) {
		a.production = production
	}
}

// WithSameSite overrides the default SameSite=Lax cookie attribute.
func WithSameSite(mode http.SameSite) Option {
	return func(a *API) {
		a.sameSite = mode
	}
}

// WithCookieDomain sets the Domain attribute of every relay cookie.
func WithCookieDomain(domain string) Option {
	return func(a *API) {
		a.cookieDomain = domain
	}
}

// WithPathPrefix tells the API where its router is mounted, so the docs can
// point at the right OpenAPI URL.
func WithPathPrefix(prefix string) Option {
	return func(a *API) {
		a.prefix = "/" + strings.Trim(prefix, "/")
	}
}

// WithCSRF enables double-submit CSRF checks on mutating endpoints.
func WithCSRF(enabled bool) Option {
	return func(a *API) {
		a.csrf = enabled
	}
}

// WithHub publishes session events to hub and enables the session-events
// stream.
func WithHub(hub broadcast.Hub) Option {
	return func(a *API) {
		a.hub = hub
	}
}

// WithAuditRepository persists audit entries in repo.
func WithAuditRepository(repo storage.Repository) Option {
	return func(a *API) {
		a.auditRepo = repo
	}
}

// WithAuditWebhook forwards audit entries to url. authHeader uses the
// "Header: Value" form, e.g. "Authorization: Bearer xxx".
func WithAuditWebhook(url, authHeader string) Option {
	return func(a *API) {
		a.webhookURL = url
		a.webhookAuth = authHeader
	}
}

// WithAlertFunc is called when codec failures spike. Without it, alerts are
// logged at warn level.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.alertFn = fn
	}
}

// WithCodecFailureThreshold sets how many codec failures within window
// raise an alert.
func WithCodecFailureThreshold(threshold int, window time.Duration) Option {
	return func(a *API) {
		a.alertThreshold = threshold
		a.alertWindow = window
	}
}

// WithFailureLimit locks a client IP out of the session-writing endpoints
// after maxFailures consecutive codec failures. Zero disables the limit.
func WithFailureLimit(maxFailures int) Option {
	return func(a *API) {
		a.limiter = nil
		if maxFailures > 0 {
			a.limiter = newFailureLimiter(maxFailures, func() time.Time { return a.now() })
		}
	}
}

// WithTrustedProxies lets forwarding headers from these proxies decide the
// client address used for lockouts and audit entries. Without it only the
// TCP peer address counts.
func WithTrustedProxies(proxies []netip.Prefix) Option {
	return func(a *API) {
		a.trustedProxies = proxies
	}
}

// New creates a new API instance.
func New(codec Codec, opts ...Option) *API {
	a := &API{
		codec:    codec,
		now:      time.Now,
		prefix:   DefaultPrefix,
		sameSite: http.SameSiteLaxMode,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	a.audit = a.newAuditLogger()
	return a
}

// Close flushes queued audit webhook deliveries.
func (a *API) Close() {
	a.audit.close()
}

func (a *API) clientIP(r *http.Request) string {
	return logging.ClientIP(r, a.trustedProxies...)
}

// Router returns a chi.Router with all relay routes mounted. The caller
// mounts it at the configured prefix.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	base := strings.TrimPrefix(a.prefix, "/")
	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: a.prefix + "/openapi.yaml",
		Path:    base + "/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: a.prefix + "/openapi.yaml",
		Path:    base + "/redoc",
	}, nil))

	r.Group(func(r chi.Router) {
		if a.csrf {
			r.Use(a.CSRFMiddleware)
		}
		r.With(a.Throttle).Post("/set-cookie", a.SetCookie)
		r.With(a.Throttle).Post("/set-cookie-profile", a.SetCookieProfile)
		r.With(a.Throttle).Post("/set-auto-login", a.SetAutoLogin)
		r.Post("/clear-cookie", a.ClearCookie)
		r.Post("/clear-auto-login", a.ClearAutoLogin)
	})

	r.Get("/get-auto-login", a.GetAutoLogin)
	r.Get("/get-check-cookie", a.GetCheckCookie)
	r.Get("/get-cookie", a.GetCookie)

	if a.hub != nil {
		r.Get("/session-events", a.SessionEvents)
	}

	return r
}
