package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/kinderboard/relay/broadcast"
	"github.com/kinderboard/relay/internal/metrics"
	"github.com/kinderboard/relay/session"
)

// SSE event names besides the broadcast.EventType values.
const (
	sseEventConnected = "connected"
	sseEventHeartbeat = "heartbeat"
)

// heartbeatInterval keeps idle streams alive through proxies.
var heartbeatInterval = 25 * time.Second

// deviceID returns the broadcast channel of the browser that sent r, or ""
// when it has none.
func deviceID(r *http.Request) string {
	raw, ok := readCookie(r, session.DeviceCookie)
	if !ok {
		return ""
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return ""
	}
	return id.String()
}

// publish tells the other tabs of the requesting browser what changed.
// Browsers that never opened a stream have no device id and no listeners.
func (a *API) publish(r *http.Request, ev broadcast.Event) {
	if a.hub == nil {
		return
	}
	device := deviceID(r)
	if device == "" {
		return
	}
	ev.At = a.now().UTC()
	if err := a.hub.Publish(r.Context(), device, ev); err != nil {
		a.logger.Warn("session event not published", "type", string(ev.Type), "error", err)
		return
	}
	metrics.SessionEventsPublished.WithLabelValues(string(ev.Type)).Inc()
}

// SessionEvents handles GET session-events: a Server-Sent Events stream of
// session changes made by any tab of the same browser.
func (a *API) SessionEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	device := deviceID(r)
	if device == "" {
		device = uuid.NewString()
		a.setCookie(w, session.DeviceCookie, device, session.DeviceLifetime)
	}

	sub, err := a.hub.Subscribe(ctx, device)
	if err != nil {
		a.logger.Error("session event subscribe failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	metrics.SessionEventStreams.Inc()
	defer metrics.SessionEventStreams.Dec()

	if err := sendSSEEvent(w, rc, sseEventConnected, map[string]string{"status": "connected"}); err != nil {
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := sendSSEEvent(w, rc, sseEventHeartbeat, map[string]any{}); err != nil {
				return
			}
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := sendSSEEvent(w, rc, string(ev.Type), ev); err != nil {
				a.logger.Debug("session event stream closed", "error", err)
				return
			}
		}
	}
}

// sendSSEEvent writes one event and flushes it. An error means the client
// went away.
func sendSSEEvent(w http.ResponseWriter, rc *http.ResponseController, eventType string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, payload); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return rc.Flush()
}
