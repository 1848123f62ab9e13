// Package secretwatch reloads the server secret when its file changes and
// rotates the codec key ring to the new key.
package secretwatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kinderboard/relay/internal/metrics"
	"github.com/kinderboard/relay/key"
)

// DefaultDebounce collapses the burst of events an editor or a secret
// mount produces for one update.
const DefaultDebounce = 250 * time.Millisecond

// Watcher follows one secret file.
type Watcher struct {
	path     string
	ring     *key.Ring
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	debounce time.Duration
}

// New watches the directory holding path. Watching the directory rather
// than the file keeps working when the file is replaced by a rename, as
// mounted secrets are.
func New(path string, ring *key.Ring, logger *slog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve secret path: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     abs,
		ring:     ring,
		watcher:  fsw,
		logger:   logger.With("component", "secretwatch"),
		debounce: DefaultDebounce,
	}, nil
}

// Run processes file events until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) {
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher error", "error", err)

		case <-fire:
			fire = nil
			if _, err := w.Reload(); err != nil {
				w.logger.Warn("secret reload failed, keeping current key", "error", err)
			}
		}
	}
}

// relevant reports whether event may have changed the secret. Mounted
// secrets swap a "..data" symlink, so any create in the directory counts.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) == w.path {
		return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)
	}
	return event.Has(fsnotify.Create)
}

// Reload reads the secret file and rotates the ring if the key changed.
func (w *Watcher) Reload() (bool, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return false, fmt.Errorf("read secret file: %w", err)
	}
	secret, err := key.DecodeSecret(string(data))
	if err != nil {
		return false, err
	}
	next, err := key.Derive(secret)
	if err != nil {
		return false, err
	}
	if !w.ring.Rotate(next) {
		return false, nil
	}
	metrics.KeyRotations.Inc()
	w.logger.Info("codec key rotated", "key_id", next.ID().String())
	return true, nil
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
