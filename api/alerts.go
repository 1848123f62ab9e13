package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

// AlertCodecFailureSpike fires when many cookies or bodies fail to decrypt
// in a short time: tampering, or a key that was rotated out too early.
const AlertCodecFailureSpike AlertType = "codec_failure_spike"

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

const (
	defaultCodecFailureWindow    = time.Minute
	defaultCodecFailureThreshold = 20
)

// alertCollector keeps a sliding window of codec failures.
type alertCollector struct {
	mu        sync.Mutex
	failures  []time.Time
	window    time.Duration
	threshold int
	alertFn   AlertFunc
}

func newAlertCollector(alertFn AlertFunc, threshold int, window time.Duration) *alertCollector {
	if threshold <= 0 {
		threshold = defaultCodecFailureThreshold
	}
	if window <= 0 {
		window = defaultCodecFailureWindow
	}
	return &alertCollector{
		window:    window,
		threshold: threshold,
		alertFn:   alertFn,
	}
}

func (m *alertCollector) recordEvent(event AuditEvent, now time.Time) {
	if m == nil || m.alertFn == nil || event != AuditCodecFailure {
		return
	}

	m.mu.Lock()
	m.failures = append(m.failures, now)
	m.failures = trimWindow(m.failures, now, m.window)
	if len(m.failures) < m.threshold {
		m.mu.Unlock()
		return
	}
	alert := AlertEvent{
		Type:      AlertCodecFailureSpike,
		Message:   "codec failure rate exceeds threshold",
		Count:     len(m.failures),
		Threshold: m.threshold,
		Timestamp: now,
	}
	// Reset to avoid repeated alerts within the same spike.
	m.failures = m.failures[:0]
	m.mu.Unlock()

	m.alertFn(alert)
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
