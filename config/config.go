// Package config loads relay settings from defaults, an optional YAML file,
// a .env file and the process environment, in that order of precedence
// (later wins). Command-line flags are applied on top by the caller.
package config

import (
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kinderboard/relay/internal/logging"
	"github.com/kinderboard/relay/key"
)

// Environments.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Audit backends.
const (
	AuditNone     = "none"
	AuditMemory   = "memory"
	AuditBolt     = "bbolt"
	AuditPostgres = "postgres"
)

// Config is the full relay configuration.
type Config struct {
	Env        string `yaml:"env"`
	Addr       string `yaml:"addr"`
	LogLevel   string `yaml:"log_level"`
	PathPrefix string `yaml:"path_prefix"`

	// Secret seals new cookies. SecretFile, when set, is read instead and
	// watched for rotation.
	Secret          string   `yaml:"secret"`
	SecretFile      string   `yaml:"secret_file"`
	PreviousSecrets []string `yaml:"previous_secrets"`

	Cookie    CookieConfig    `yaml:"cookie"`
	CSRF      bool            `yaml:"csrf"`
	Audit     AuditConfig     `yaml:"audit"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	TLS       TLSConfig       `yaml:"tls"`

	// TrustedProxies lists the CIDR ranges whose forwarding headers name
	// the real client. Empty means the TCP peer is always the client.
	TrustedProxies []string `yaml:"trusted_proxies"`

	// FailureLimit locks a client out of the write endpoints after this
	// many consecutive undecodable values. Zero disables it.
	FailureLimit int `yaml:"failure_limit"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// CookieConfig controls cookie attributes.
type CookieConfig struct {
	SameSite string `yaml:"same_site"`
	Domain   string `yaml:"domain"`
}

// AuditConfig selects where audit entries go.
type AuditConfig struct {
	Backend     string `yaml:"backend"`
	Path        string `yaml:"path"`
	PostgresDSN string `yaml:"postgres_dsn"`
	WebhookURL  string `yaml:"webhook_url"`
	WebhookAuth string `yaml:"webhook_auth"`
}

// BroadcastConfig selects the session-event hub. An empty NATSURL keeps
// events inside the process.
type BroadcastConfig struct {
	NATSURL string `yaml:"nats_url"`
}

// MetricsConfig protects /metrics. Both empty leaves it open.
type MetricsConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type TLSConfig struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

// Default returns a Config with development defaults.
func Default() *Config {
	return &Config{
		Env:        EnvDevelopment,
		Addr:       ":8080",
		LogLevel:   "info",
		PathPrefix: "/api/auth",
		Cookie: CookieConfig{
			SameSite: "lax",
		},
		Audit: AuditConfig{
			Backend: AuditMemory,
			Path:    "./data/audit.db",
		},
		ShutdownTimeout: 10 * time.Second,
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty), the .env file in the working directory if present, and
// the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// A missing .env is normal outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from KINDERBOARD_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup("KINDERBOARD_" + name); ok && v != "" {
			*dst = v
		}
	}
	str("ENV", &c.Env)
	str("ADDR", &c.Addr)
	str("LOG_LEVEL", &c.LogLevel)
	str("PATH_PREFIX", &c.PathPrefix)
	str("SECRET", &c.Secret)
	str("SECRET_FILE", &c.SecretFile)
	str("COOKIE_SAME_SITE", &c.Cookie.SameSite)
	str("COOKIE_DOMAIN", &c.Cookie.Domain)
	str("AUDIT_BACKEND", &c.Audit.Backend)
	str("AUDIT_PATH", &c.Audit.Path)
	str("AUDIT_POSTGRES_DSN", &c.Audit.PostgresDSN)
	str("AUDIT_WEBHOOK_URL", &c.Audit.WebhookURL)
	str("AUDIT_WEBHOOK_AUTH", &c.Audit.WebhookAuth)
	str("NATS_URL", &c.Broadcast.NATSURL)
	str("METRICS_USERNAME", &c.Metrics.Username)
	str("METRICS_PASSWORD", &c.Metrics.Password)
	str("TLS_CERT", &c.TLS.Cert)
	str("TLS_KEY", &c.TLS.Key)

	list := func(name string, dst *[]string) {
		v, ok := lookup("KINDERBOARD_" + name)
		if !ok || v == "" {
			return
		}
		*dst = nil
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				*dst = append(*dst, s)
			}
		}
	}
	list("PREVIOUS_SECRETS", &c.PreviousSecrets)
	list("TRUSTED_PROXIES", &c.TrustedProxies)
	if v, ok := lookup("KINDERBOARD_CSRF"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("KINDERBOARD_CSRF: %w", err)
		}
		c.CSRF = b
	}
	if v, ok := lookup("KINDERBOARD_FAILURE_LIMIT"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("KINDERBOARD_FAILURE_LIMIT: %w", err)
		}
		c.FailureLimit = n
	}
	if v, ok := lookup("KINDERBOARD_SHUTDOWN_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("KINDERBOARD_SHUTDOWN_TIMEOUT: %w", err)
		}
		c.ShutdownTimeout = d
	}
	return nil
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	if c.Env != EnvDevelopment && c.Env != EnvProduction {
		return fmt.Errorf("env must be either '%s' or '%s', got: %s", EnvDevelopment, EnvProduction, c.Env)
	}
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if !strings.HasPrefix(c.PathPrefix, "/") {
		return fmt.Errorf("path_prefix must start with '/', got: %s", c.PathPrefix)
	}
	if _, err := c.Secrets(); err != nil {
		return err
	}
	if _, err := c.Previous(); err != nil {
		return err
	}
	if _, err := c.SameSite(); err != nil {
		return err
	}

	switch c.Audit.Backend {
	case AuditNone, AuditMemory:
	case AuditBolt:
		if c.Audit.Path == "" {
			return fmt.Errorf("audit.path is required when audit.backend is '%s'", AuditBolt)
		}
	case AuditPostgres:
		if c.Audit.PostgresDSN == "" {
			return fmt.Errorf("audit.postgres_dsn is required when audit.backend is '%s'", AuditPostgres)
		}
	default:
		return fmt.Errorf("audit.backend must be one of none, memory, bbolt, postgres, got: %s", c.Audit.Backend)
	}

	if (c.TLS.Cert == "") != (c.TLS.Key == "") {
		return fmt.Errorf("tls.cert and tls.key must be set together")
	}
	if (c.Metrics.Username == "") != (c.Metrics.Password == "") {
		return fmt.Errorf("metrics.username and metrics.password must be set together")
	}
	if c.FailureLimit < 0 {
		return fmt.Errorf("failure_limit must not be negative")
	}
	if _, err := c.Proxies(); err != nil {
		return err
	}
	return nil
}

// Proxies parses trusted_proxies.
func (c *Config) Proxies() ([]netip.Prefix, error) {
	proxies, err := logging.ParseTrustedProxies(c.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("trusted_proxies: %w", err)
	}
	return proxies, nil
}

// Production reports whether cookies must be marked Secure.
func (c *Config) Production() bool {
	return c.Env == EnvProduction
}

// SameSite maps cookie.same_site to its http.SameSite value.
func (c *Config) SameSite() (http.SameSite, error) {
	switch strings.ToLower(c.Cookie.SameSite) {
	case "", "lax":
		return http.SameSiteLaxMode, nil
	case "strict":
		return http.SameSiteStrictMode, nil
	case "none":
		if !c.Production() {
			return 0, fmt.Errorf("cookie.same_site 'none' requires env '%s' (Secure cookies)", EnvProduction)
		}
		return http.SameSiteNoneMode, nil
	default:
		return 0, fmt.Errorf("cookie.same_site must be one of lax, strict, none, got: %s", c.Cookie.SameSite)
	}
}

// Secrets returns the decoded current secret followed by the previous
// ones. The current secret comes from SecretFile when that is set.
func (c *Config) Secrets() (current []byte, err error) {
	raw := c.Secret
	if c.SecretFile != "" {
		data, err := os.ReadFile(c.SecretFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read secret file: %w", err)
		}
		raw = string(data)
	}
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("secret or secret_file is required")
	}
	current, err = key.DecodeSecret(raw)
	if err != nil {
		return nil, fmt.Errorf("secret: %w", err)
	}
	if len(current) < key.MinSecretLen {
		return nil, fmt.Errorf("secret must be at least %d bytes", key.MinSecretLen)
	}
	return current, nil
}

// Previous decodes previous_secrets.
func (c *Config) Previous() ([][]byte, error) {
	out := make([][]byte, 0, len(c.PreviousSecrets))
	for i, s := range c.PreviousSecrets {
		b, err := key.DecodeSecret(s)
		if err != nil {
			return nil, fmt.Errorf("previous_secrets[%d]: %w", i, err)
		}
		if len(b) < key.MinSecretLen {
			return nil, fmt.Errorf("previous_secrets[%d] must be at least %d bytes", i, key.MinSecretLen)
		}
		out = append(out, b)
	}
	return out, nil
}
