package secretwatch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinderboard/relay/internal/logging"
	"github.com/kinderboard/relay/internal/metrics"
	"github.com/kinderboard/relay/key"
)

func writeSecret(t *testing.T, path, secret string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(secret+"\n"), 0o600))
}

func derive(t *testing.T, secret string) *key.Key {
	t.Helper()
	k, err := key.Derive([]byte(secret))
	require.NoError(t, err)
	return k
}

func setup(t *testing.T) (*Watcher, *key.Ring, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "secret")
	first := strings.Repeat("a", 32)
	writeSecret(t, path, first)

	ring := key.NewRing(derive(t, first))
	w, err := New(path, ring, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w, ring, path
}

func TestReload(t *testing.T) {
	w, ring, path := setup(t)
	oldID := ring.Current().ID()
	before := testutil.ToFloat64(metrics.KeyRotations)

	changed, err := w.Reload()
	require.NoError(t, err)
	assert.False(t, changed, "same secret is a no-op")

	second := strings.Repeat("b", 32)
	writeSecret(t, path, second)
	changed, err = w.Reload()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, derive(t, second).ID(), ring.Current().ID())
	_, stillKnown := ring.Lookup(oldID)
	assert.True(t, stillKnown, "old key keeps opening existing cookies")
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.KeyRotations))
}

func TestReloadRejectsWeakSecret(t *testing.T) {
	w, ring, path := setup(t)
	current := ring.Current().ID()

	writeSecret(t, path, "short")
	_, err := w.Reload()
	require.ErrorIs(t, err, key.ErrWeakSecret)
	assert.Equal(t, current, ring.Current().ID())

	require.NoError(t, os.Remove(path))
	_, err = w.Reload()
	require.Error(t, err)
	assert.Equal(t, current, ring.Current().ID())
}

func TestRunRotatesOnWrite(t *testing.T) {
	w, ring, path := setup(t)
	w.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	next := strings.Repeat("c", 32)
	want := derive(t, next).ID()
	writeSecret(t, path, next)

	assert.Eventually(t, func() bool { return ring.Current().ID() == want }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestRunRotatesOnRename(t *testing.T) {
	w, ring, path := setup(t)
	w.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go w.Run(ctx)

	next := strings.Repeat("d", 32)
	tmp := filepath.Join(filepath.Dir(path), ".secret.tmp")
	writeSecret(t, tmp, next)
	require.NoError(t, os.Rename(tmp, path))

	want := derive(t, next).ID()
	assert.Eventually(t, func() bool { return ring.Current().ID() == want }, 2*time.Second, 10*time.Millisecond)
}
