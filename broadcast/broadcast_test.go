package broadcast

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func runHubTests(t *testing.T, hub Hub) {
	ctx := context.Background()

	t.Run("FanOut", func(t *testing.T) {
		a, err := hub.Subscribe(ctx, "device-fanout")
		require.NoError(t, err)
		defer a.Close()
		b, err := hub.Subscribe(ctx, "device-fanout")
		require.NoError(t, err)
		defer b.Close()

		ev := Event{Type: EventProfile, UserInfo: "sealed", At: time.Unix(1_700_000_000, 0).UTC()}
		require.NoError(t, hub.Publish(ctx, "device-fanout", ev))

		for _, sub := range []*Subscription{a, b} {
			got := receive(t, sub)
			assert.Equal(t, EventProfile, got.Type)
			assert.Equal(t, "sealed", got.UserInfo)
			assert.True(t, ev.At.Equal(got.At))
		}
	})

	t.Run("ChannelsAreIsolated", func(t *testing.T) {
		other, err := hub.Subscribe(ctx, "device-other")
		require.NoError(t, err)
		defer other.Close()
		mine, err := hub.Subscribe(ctx, "device-mine")
		require.NoError(t, err)
		defer mine.Close()

		require.NoError(t, hub.Publish(ctx, "device-mine", Event{Type: EventLogout}))
		assert.Equal(t, EventLogout, receive(t, mine).Type)

		select {
		case ev := <-other.Events():
			t.Fatalf("unexpected event on other channel: %+v", ev)
		case <-time.After(100 * time.Millisecond):
		}
	})

	t.Run("CancelledContextClosesSubscription", func(t *testing.T) {
		subCtx, cancel := context.WithCancel(ctx)
		sub, err := hub.Subscribe(subCtx, "device-cancel")
		require.NoError(t, err)
		cancel()

		select {
		case _, ok := <-sub.Events():
			assert.False(t, ok)
		case <-time.After(2 * time.Second):
			t.Fatal("subscription not closed after cancel")
		}
	})

	t.Run("InvalidChannel", func(t *testing.T) {
		_, err := hub.Subscribe(ctx, "a.b")
		assert.ErrorIs(t, err, ErrInvalidChannel)
		assert.ErrorIs(t, hub.Publish(ctx, "", Event{}), ErrInvalidChannel)
	})
}

func TestMemoryHub(t *testing.T) {
	hub := NewMemoryHub()
	t.Cleanup(func() { _ = hub.Close() })
	runHubTests(t, hub)
}

func TestMemoryHubDropsWhenFull(t *testing.T) {
	hub := NewMemoryHub()
	defer hub.Close()

	ctx := context.Background()
	sub, err := hub.Subscribe(ctx, "slow")
	require.NoError(t, err)

	for i := 0; i < SubscriberBuffer+5; i++ {
		require.NoError(t, hub.Publish(ctx, "slow", Event{Type: EventProfile}))
	}
	assert.Equal(t, int64(5), sub.Dropped())
	assert.Len(t, sub.Events(), SubscriberBuffer)
}

func TestMemoryHubUnsubscribe(t *testing.T) {
	hub := NewMemoryHub()
	defer hub.Close()

	sub, err := hub.Subscribe(context.Background(), "gone")
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers("gone"))

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, hub.Subscribers("gone"))
	require.NoError(t, hub.Publish(context.Background(), "gone", Event{Type: EventLogout}))
}

func TestMemoryHubClose(t *testing.T) {
	hub := NewMemoryHub()
	sub, err := hub.Subscribe(context.Background(), "x")
	require.NoError(t, err)

	require.NoError(t, hub.Close())
	_, ok := <-sub.Events()
	assert.False(t, ok)

	_, err = hub.Subscribe(context.Background(), "x")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, hub.Publish(context.Background(), "x", Event{}), ErrClosed)
}

func TestValidChannel(t *testing.T) {
	assert.True(t, ValidChannel("3f2b8c1e-7d4a-4b8e-9a1c-0d5e6f7a8b9c"))
	assert.False(t, ValidChannel(""))
	assert.False(t, ValidChannel("a*"))
	assert.False(t, ValidChannel("a>"))
	assert.False(t, ValidChannel("with space"))
}

func TestNATSHub(t *testing.T) {
	url := os.Getenv("KINDERBOARD_TEST_NATS_URL")
	if url == "" {
		t.Skip("KINDERBOARD_TEST_NATS_URL not set")
	}
	hub, err := DialNATS(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = hub.Close() })
	runHubTests(t, hub)
}
