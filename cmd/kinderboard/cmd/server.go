package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/kinderboard/relay/api"
	"github.com/kinderboard/relay/broadcast"
	"github.com/kinderboard/relay/codec"
	"github.com/kinderboard/relay/config"
	"github.com/kinderboard/relay/internal/logging"
	"github.com/kinderboard/relay/internal/metrics"
	"github.com/kinderboard/relay/internal/secretwatch"
	"github.com/kinderboard/relay/storage"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the session relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		logger := logging.New(os.Stderr, cfg.Env, cfg.LogLevel)
		slog.SetDefault(logger)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		rl, err := newRelay(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer rl.Close()

		server, err := newHTTPServer(cfg, rl.handler)
		if err != nil {
			return err
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			var err error
			if server.TLSConfig != nil {
				err = server.ListenAndServeTLS("", "")
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner(cmd.OutOrStdout())
		logger.Info("relay listening",
			"addr", cfg.Addr,
			"prefix", cfg.PathPrefix,
			"env", cfg.Env,
			"tls", server.TLSConfig != nil,
			"audit_backend", cfg.Audit.Backend,
			"nats", cfg.Broadcast.NATSURL != "",
		)

		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	f := serverCmd.Flags()
	f.String("env", "", "Environment: development or production")
	f.String("addr", "", "Address to listen on (default :8080)")
	f.String("log-level", "", "Log level: debug, info, warn, error")
	f.String("path-prefix", "", "Where the relay endpoints are mounted (default /api/auth)")
	f.String("secret", "", "Server secret")
	f.String("secret-file", "", "File holding the server secret; watched for rotation")
	f.Bool("csrf", false, "Require a CSRF token on mutating requests")
	f.String("audit-backend", "", "Audit backend: none, memory, bbolt, postgres")
	f.String("audit-path", "", "bbolt file for the audit trail")
	f.String("audit-postgres-dsn", "", "Postgres DSN for the audit trail")
	f.String("nats-url", "", "NATS server for cross-instance session events")
	f.StringSlice("trusted-proxies", nil, "CIDR ranges whose X-Forwarded-For headers are believed")
	f.String("tls-cert", "", "Path to TLS certificate file")
	f.String("tls-key", "", "Path to TLS key file")
}

// relay owns everything the HTTP handler depends on.
type relay struct {
	handler http.Handler
	api     *api.API
	hub     broadcast.Hub
	audit   storage.Repository
	watcher *secretwatch.Watcher
	logger  *slog.Logger
}

// newRelay opens the configured backends and builds the HTTP handler. A
// secret file is watched until ctx is done.
func newRelay(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*relay, error) {
	c, err := codecFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	sameSite, err := cfg.SameSite()
	if err != nil {
		return nil, err
	}
	proxies, err := cfg.Proxies()
	if err != nil {
		return nil, err
	}

	rl := &relay{logger: logger}
	ok := false
	defer func() {
		if !ok {
			rl.Close()
		}
	}()

	if rl.audit, err = openAuditRepository(ctx, cfg); err != nil {
		return nil, err
	}
	if rl.hub, err = openHub(cfg, logger); err != nil {
		return nil, err
	}
	if cfg.SecretFile != "" {
		if rl.watcher, err = watchSecret(ctx, cfg.SecretFile, c, logger); err != nil {
			return nil, err
		}
	}

	opts := []api.Option{
		api.WithLogger(logger),
		api.WithProduction(cfg.Production()),
		api.WithSameSite(sameSite),
		api.WithCookieDomain(cfg.Cookie.Domain),
		api.WithPathPrefix(cfg.PathPrefix),
		api.WithCSRF(cfg.CSRF),
		api.WithHub(rl.hub),
		api.WithFailureLimit(cfg.FailureLimit),
		api.WithTrustedProxies(proxies),
	}
	if rl.audit != nil {
		opts = append(opts, api.WithAuditRepository(rl.audit))
	}
	if cfg.Audit.WebhookURL != "" {
		opts = append(opts, api.WithAuditWebhook(cfg.Audit.WebhookURL, cfg.Audit.WebhookAuth))
	}
	rl.api = api.New(c, opts...)
	rl.handler = newRouter(cfg, rl.api, logging.NewRequestLogger(logger).TrustProxies(proxies))

	ok = true
	return rl, nil
}

// newHTTPServer configures the listener side of the relay. Request
// contexts are cancelled as soon as shutdown begins, so open session-events
// streams end instead of holding Shutdown until its deadline.
func newHTTPServer(cfg *config.Config, handler http.Handler) (*http.Server, error) {
	base, cancel := context.WithCancel(context.Background())
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		BaseContext:       func(net.Listener) context.Context { return base },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No WriteTimeout: session-events streams stay open.
	}
	server.RegisterOnShutdown(cancel)

	if cfg.TLS.Cert != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.Cert, cfg.TLS.Key)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		server.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}
	return server, nil
}

func openHub(cfg *config.Config, logger *slog.Logger) (broadcast.Hub, error) {
	if cfg.Broadcast.NATSURL == "" {
		return broadcast.NewMemoryHub(), nil
	}
	hub, err := broadcast.DialNATS(cfg.Broadcast.NATSURL, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return hub, nil
}

func watchSecret(ctx context.Context, path string, c *codec.Codec, logger *slog.Logger) (*secretwatch.Watcher, error) {
	w, err := secretwatch.New(path, c.Ring(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to watch secret file: %w", err)
	}
	go w.Run(ctx)
	return w, nil
}

func newRouter(cfg *config.Config, a *api.API, requests *logging.RequestLogger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(api.SecurityHeaders)
	r.Use(requests.Handler)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", metrics.Handler(cfg.Metrics.Username, cfg.Metrics.Password))
	r.Mount(cfg.PathPrefix, a.Router())
	return r
}

// Close releases backends in reverse order of opening.
func (rl *relay) Close() {
	if rl.api != nil {
		rl.api.Close()
	}
	if rl.watcher != nil {
		rl.watcher.Close()
	}
	if rl.hub != nil {
		if err := rl.hub.Close(); err != nil {
			rl.logger.Warn("closing broadcast hub", "error", err)
		}
	}
	if rl.audit != nil {
		if err := rl.audit.Close(); err != nil {
			rl.logger.Warn("closing audit storage", "error", err)
		}
	}
}
