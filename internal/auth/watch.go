package auth

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/austindbirch/harbor_mail/internal/logging"
)

// KeyWatcher reloads a validator's public key when its PEM file changes on disk,
// so signing keys can be rotated without restarting the api.
type KeyWatcher struct {
	path      string
	validator *JWTValidator
	log       *logging.Logger
	delay     time.Duration

	mu       sync.Mutex
	debounce *time.Timer
}

// NewKeyWatcher watches path and installs new keys into v
func NewKeyWatcher(path string, v *JWTValidator, log *logging.Logger) *KeyWatcher {
	return &KeyWatcher{path: path, validator: v, log: log, delay: 200 * time.Millisecond}
}

// Reload reads the key file and installs it. A broken file keeps the current key.
func (w *KeyWatcher) Reload() error {
	b, err := os.ReadFile(w.path)
	if err != nil {
		return fmt.Errorf("read public key: %w", err)
	}
	key, err := ParsePublicKeyPEM(string(b))
	if err != nil {
		return err
	}
	w.validator.SetKey(key)
	return nil
}

// Run watches the key file's directory until ctx is done. The directory is
// watched rather than the file because secret mounts and editors replace the
// file instead of writing it in place.
func (w *KeyWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	file := filepath.Base(w.path)

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.debounce != nil {
				w.debounce.Stop()
			}
			w.mu.Unlock()
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != file {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Plain().WithError(err).WithField("path", w.path).Warn("key watcher error")
		}
	}
}

// schedule coalesces bursts of events from a single replace into one reload
func (w *KeyWatcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(w.delay, func() {
		entry := w.log.Plain().WithField("path", w.path)
		if err := w.Reload(); err != nil {
			entry.WithError(err).Warn("public key reload failed, keeping current key")
			return
		}
		entry.Info("public key reloaded")
	})
}
