package broadcast

import (
	"context"
	"sync"
)

// MemoryHub is an in-process Hub. It only reaches tabs connected to the same
// relay instance; use NATSHub when several instances serve one site.
type MemoryHub struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	closed bool
}

var _ Hub = (*MemoryHub)(nil)

// NewMemoryHub creates an empty in-process hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[string]map[*Subscription]struct{})}
}

func (h *MemoryHub) Publish(ctx context.Context, channel string, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !ValidChannel(channel) {
		return ErrInvalidChannel
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrClosed
	}
	for sub := range h.subs[channel] {
		sub.deliver(ev)
	}
	return nil
}

func (h *MemoryHub) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	if !ValidChannel(channel) {
		return nil, ErrInvalidChannel
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	var sub *Subscription
	sub = newSubscription(func() { h.remove(channel, sub) })
	if h.subs[channel] == nil {
		h.subs[channel] = make(map[*Subscription]struct{})
	}
	h.subs[channel][sub] = struct{}{}
	closeWhenDone(ctx, sub)
	return sub, nil
}

func (h *MemoryHub) remove(channel string, sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[channel], sub)
	if len(h.subs[channel]) == 0 {
		delete(h.subs, channel)
	}
}

// Subscribers reports how many subscriptions are open on channel.
func (h *MemoryHub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[channel])
}

// Close ends every open subscription.
func (h *MemoryHub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	var all []*Subscription
	for _, set := range h.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	h.subs = make(map[string]map[*Subscription]struct{})
	h.mu.Unlock()

	for _, sub := range all {
		sub.Close()
	}
	return nil
}
