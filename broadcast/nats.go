package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectPrefix is prepended to every channel to form the NATS subject.
const SubjectPrefix = "kinderboard.session."

// NATSHub relays events through a NATS server so that every relay instance
// behind a load balancer sees them.
type NATSHub struct {
	nc     *nats.Conn
	owned  bool
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

var _ Hub = (*NATSHub)(nil)

// DialNATS connects to url and returns a hub that owns the connection.
func DialNATS(url string, logger *slog.Logger) (*NATSHub, error) {
	nc, err := nats.Connect(url,
		nats.Name("kinderboard-relay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	h := NewNATSHub(nc, logger)
	h.owned = true
	return h, nil
}

// NewNATSHub wraps an existing connection. Close leaves nc open.
func NewNATSHub(nc *nats.Conn, logger *slog.Logger) *NATSHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSHub{nc: nc, logger: logger.With("component", "broadcast")}
}

func subject(channel string) string {
	return SubjectPrefix + channel
}

func (h *NATSHub) Publish(ctx context.Context, channel string, ev Event) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled before publish: %w", err)
	}
	if !ValidChannel(channel) {
		return ErrInvalidChannel
	}
	if h.isClosed() {
		return ErrClosed
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return h.nc.Publish(subject(channel), data)
}

func (h *NATSHub) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	if !ValidChannel(channel) {
		return nil, ErrInvalidChannel
	}
	if h.isClosed() {
		return nil, ErrClosed
	}

	var ns *nats.Subscription
	sub := newSubscription(func() {
		if ns != nil {
			_ = ns.Unsubscribe()
		}
	})
	ns, err := h.nc.Subscribe(subject(channel), func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			h.logger.Warn("dropping malformed session event", "subject", msg.Subject, "error", err)
			return
		}
		sub.deliver(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", subject(channel), err)
	}
	// Make sure the server knows about the interest before the caller
	// triggers a publish from another connection.
	if err := h.nc.Flush(); err != nil {
		sub.Close()
		return nil, fmt.Errorf("flush subscription: %w", err)
	}
	closeWhenDone(ctx, sub)
	return sub, nil
}

func (h *NATSHub) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Close drains the connection when the hub owns it.
func (h *NATSHub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()
	if h.owned {
		return h.nc.Drain()
	}
	return nil
}
