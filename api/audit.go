package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// AuditEvent identifies the session lifecycle action being logged.
type AuditEvent string

const (
	AuditSessionIssued    AuditEvent = "session_issued"
	AuditProfileUpdated   AuditEvent = "profile_updated"
	AuditAutoLoginEnabled AuditEvent = "auto_login_enabled"
	AuditAutoLoginRenewed AuditEvent = "auto_login_renewed"
	AuditLogout           AuditEvent = "logout"
	AuditAutoLoginCleared AuditEvent = "auto_login_cleared"
	AuditCodecFailure     AuditEvent = "codec_failure"
)

// auditLogger wraps slog.Logger for structured audit logging and fans each
// entry out to the optional store, webhook and alert collector. Tokens and
// ciphertexts are never logged.
type auditLogger struct {
	logger   *slog.Logger
	now      func() time.Time
	clientIP func(*http.Request) string
	store    *auditStore
	webhook  *auditWebhook
	alerts   *alertCollector
}

func (a *API) newAuditLogger() *auditLogger {
	al := &auditLogger{
		logger:   a.logger.With("component", "audit"),
		now:      a.now,
		clientIP: a.clientIP,
	}
	if a.auditRepo != nil {
		al.store = &auditStore{repo: a.auditRepo}
	}
	if a.webhookURL != "" {
		al.webhook = newAuditWebhook(a.webhookURL, a.webhookAuth, a.logger)
	}
	alertFn := a.alertFn
	if alertFn == nil {
		alertFn = func(ev AlertEvent) {
			a.logger.Warn("alert",
				"type", string(ev.Type),
				"message", ev.Message,
				"count", ev.Count,
				"threshold", ev.Threshold,
			)
		}
	}
	al.alerts = newAlertCollector(alertFn, a.alertThreshold, a.alertWindow)
	return al
}

// log writes a structured audit entry.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	now := al.now().UTC()
	remote := al.clientIP(r)

	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", remote),
		slog.String("timestamp", now.Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)

	level := slog.LevelInfo
	if event == AuditCodecFailure {
		level = slog.LevelWarn
	}
	al.logger.LogAttrs(r.Context(), level, "audit", baseAttrs...)
	al.alerts.recordEvent(event, now)

	if al.store == nil && al.webhook == nil {
		return
	}
	entry := AuditEntry{
		ID:         uuid.NewString(),
		Event:      event,
		RemoteAddr: remote,
		CreatedAt:  now,
	}
	if len(attrs) > 0 {
		entry.Attrs = make(map[string]string, len(attrs))
		for _, attr := range attrs {
			entry.Attrs[attr.Key] = attr.Value.String()
		}
	}
	if al.store != nil {
		// The request context may already be cancelled once the client
		// has its cookies; the entry is still worth keeping.
		ctx := context.WithoutCancel(r.Context())
		if err := al.store.append(ctx, entry); err != nil {
			al.logger.Warn("audit entry not persisted", "event", string(event), "error", err)
		}
	}
	if al.webhook != nil {
		al.webhook.enqueue(entry)
	}
}

// logFailure logs a rejected value with the reason it was rejected.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("reason", reason),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}

func (al *auditLogger) close() {
	if al.webhook != nil {
		al.webhook.close()
	}
}
