// Package broadcast fans session events out to every open tab of the same
// browser. Delivery is best-effort: a subscriber that falls behind loses
// events rather than slowing publishers down.
package broadcast

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// EventType names what happened to the session.
type EventType string

const (
	EventSession   EventType = "session"
	EventProfile   EventType = "profile"
	EventAutoLogin EventType = "auto_login"
	EventLogout    EventType = "logout"
	EventForgotten EventType = "auto_login_cleared"
)

// Event is one session change. UserInfo carries the sealed userInfo value
// exactly as written to the cookie, so receivers decrypt it themselves.
// Token is set on session events only, letting other tabs adopt the new
// session without calling get-cookie.
type Event struct {
	Type     EventType `json:"type"`
	Token    string    `json:"token,omitempty"`
	UserInfo string    `json:"userInfo,omitempty"`
	At       time.Time `json:"at"`
}

// Hub publishes events to named channels. A channel identifies one browser.
type Hub interface {
	Publish(ctx context.Context, channel string, ev Event) error
	Subscribe(ctx context.Context, channel string) (*Subscription, error)
	Close() error
}

var (
	// ErrInvalidChannel is returned for empty channels or ones containing
	// characters reserved by the transport.
	ErrInvalidChannel = errors.New("broadcast: invalid channel")
	// ErrClosed is returned by hubs used after Close.
	ErrClosed = errors.New("broadcast: hub closed")
)

// SubscriberBuffer is how many undelivered events a subscriber may hold.
const SubscriberBuffer = 16

// ValidChannel reports whether channel can be used as a subscription key.
func ValidChannel(channel string) bool {
	if channel == "" || len(channel) > 128 {
		return false
	}
	return !strings.ContainsAny(channel, ".*> \t\r\n")
}

// Subscription receives the events published to one channel until it is
// closed or its context ends.
type Subscription struct {
	events  chan Event
	mu      sync.Mutex
	closed  bool
	dropped atomic.Int64
	onClose func()
	once    sync.Once
	done    chan struct{}
}

func newSubscription(onClose func()) *Subscription {
	return &Subscription{
		events:  make(chan Event, SubscriberBuffer),
		onClose: onClose,
		done:    make(chan struct{}),
	}
}

// Events returns the delivery channel. It is closed when the subscription ends.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Dropped reports how many events were discarded because the buffer was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		if s.onClose != nil {
			s.onClose()
		}
		s.mu.Lock()
		s.closed = true
		close(s.events)
		s.mu.Unlock()
		close(s.done)
	})
}

// deliver hands ev to the subscriber without blocking.
func (s *Subscription) deliver(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.events <- ev:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// closeWhenDone ends sub once ctx is cancelled.
func closeWhenDone(ctx context.Context, sub *Subscription) {
	if ctx.Done() == nil {
		return
	}
	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()
}
