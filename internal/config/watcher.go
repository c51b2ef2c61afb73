package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/micro-nova/planetradio-go/internal/models"
)

// Watcher reloads the settings file when it changes on disk and hands the
// new settings to onChange. Rewrites that leave the settings unchanged,
// including the daemon's own saves, are ignored.
type Watcher struct {
	store    Store
	onChange func(models.Settings)
	watcher  *fsnotify.Watcher

	mu   sync.Mutex
	last models.Settings
}

// NewWatcher starts watching the directory holding store's file. initial is
// the settings already in effect.
func NewWatcher(store Store, initial models.Settings, onChange func(models.Settings)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	// Watch the directory: atomic saves replace the file, which drops a
	// watch placed on the file itself.
	if err := fw.Add(filepath.Dir(store.Path())); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}
	return &Watcher{store: store, onChange: onChange, watcher: fw, last: initial}, nil
}

// Run processes file events until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) {
	path := w.store.Path()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name == path && (event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
				w.reload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config: watcher error", "err", err)
		}
	}
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

// Accept records s as current so a later file event carrying the same
// settings is not reported again.
func (w *Watcher) Accept(s models.Settings) {
	w.mu.Lock()
	w.last = s
	w.mu.Unlock()
}

// strictLoader is implemented by stores that can report a corrupt file
// instead of substituting defaults.
type strictLoader interface {
	LoadStrict() (*models.Settings, error)
}

func (w *Watcher) reload() {
	load := w.store.Load
	if sl, ok := w.store.(strictLoader); ok {
		load = sl.LoadStrict
	}
	s, err := load()
	if err != nil {
		slog.Warn("config: failed to reload settings", "path", w.store.Path(), "err", err)
		return
	}

	w.mu.Lock()
	changed := *s != w.last
	w.last = *s
	w.mu.Unlock()

	if !changed {
		return
	}
	slog.Info("config: settings changed on disk", "path", w.store.Path())
	if w.onChange != nil {
		w.onChange(*s)
	}
}
