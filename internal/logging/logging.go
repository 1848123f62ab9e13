// Package logging builds the relay's slog loggers and request logging
// middleware.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"
)

// ParseLevel maps a configured level name to a slog.Level. Unknown names
// fall back to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New returns a text logger in development and a JSON logger otherwise.
func New(w io.Writer, env string, level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
	}

	var handler slog.Handler
	if env == "development" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// Discard returns a logger that drops everything. Tests use it.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// RequestLogger logs one line per HTTP request.
type RequestLogger struct {
	logger  *slog.Logger
	skip    []string
	trusted []netip.Prefix
}

// NewRequestLogger creates a request logger. Requests whose path starts with
// one of skip are not logged.
func NewRequestLogger(logger *slog.Logger, skip ...string) *RequestLogger {
	if len(skip) == 0 {
		skip = []string{"/health", "/metrics"}
	}
	return &RequestLogger{logger: logger, skip: skip}
}

// TrustProxies makes the logged client address honor forwarding headers
// set by the given proxies.
func (m *RequestLogger) TrustProxies(trusted []netip.Prefix) *RequestLogger {
	m.trusted = trusted
	return m
}

// Handler returns the logging middleware.
func (m *RequestLogger) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.shouldSkip(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"ip", ClientIP(r, m.trusted...),
			"user_agent", r.UserAgent(),
		}
		if wrapped.statusCode >= 500 {
			m.logger.Warn("request", attrs...)
		} else {
			m.logger.Info("request", attrs...)
		}
	})
}

func (m *RequestLogger) shouldSkip(path string) bool {
	for _, prefix := range m.skip {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// ClientIP returns the address of the client behind r. Forwarding headers
// (X-Forwarded-For, Forwarded, X-Real-IP) are only believed when the direct
// peer is inside one of trusted; with no trusted proxies the peer address is
// always used, so clients cannot pick their own identity.
func ClientIP(r *http.Request, trusted ...netip.Prefix) string {
	peer, ok := parseIP(r.RemoteAddr)
	if !ok {
		return r.RemoteAddr
	}
	if !isTrusted(peer, trusted) {
		return peer.String()
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip, ok := forwardedFor(strings.Split(xff, ","), trusted); ok {
			return ip.String()
		}
	}
	if fwd := r.Header.Get("Forwarded"); fwd != "" {
		var hops []string
		for _, elem := range strings.Split(fwd, ",") {
			for _, param := range strings.Split(elem, ";") {
				name, value, found := strings.Cut(strings.TrimSpace(param), "=")
				if found && strings.EqualFold(name, "for") {
					hops = append(hops, value)
				}
			}
		}
		if ip, ok := forwardedFor(hops, trusted); ok {
			return ip.String()
		}
	}
	if ip, ok := parseIP(r.Header.Get("X-Real-IP")); ok {
		return ip.String()
	}
	return peer.String()
}

// forwardedFor walks a hop list from the nearest proxy outwards and returns
// the first address that is not itself a trusted proxy. Entries further out
// can be forged by the client and are never preferred over it.
func forwardedFor(hops []string, trusted []netip.Prefix) (netip.Addr, bool) {
	var last netip.Addr
	for i := len(hops) - 1; i >= 0; i-- {
		ip, ok := parseIP(hops[i])
		if !ok {
			break
		}
		last = ip
		if !isTrusted(ip, trusted) {
			return ip, true
		}
	}
	return last, last.IsValid()
}

func isTrusted(ip netip.Addr, trusted []netip.Prefix) bool {
	for _, p := range trusted {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// parseIP accepts a bare address, host:port, a bracketed IPv6 literal or a
// quoted Forwarded value.
func parseIP(raw string) (netip.Addr, bool) {
	s := strings.Trim(strings.TrimSpace(raw), `"`)
	if s == "" {
		return netip.Addr{}, false
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.WithZone("").Unmap(), true
}

// ParseTrustedProxies parses CIDR ranges. A bare address is read as a
// single-host range.
func ParseTrustedProxies(values []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if strings.Contains(v, "/") {
			p, err := netip.ParsePrefix(v)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", v, err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(v)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", v, err)
		}
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}
