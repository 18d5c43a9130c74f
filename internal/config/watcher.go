package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"charrelay/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches the config file and reloads tunables on change. Only the
// registered callback sees the new config; components keep their injected
// options until the callback pushes updates to them.
type Watcher struct {
	mu         sync.Mutex
	watcher    *fsnotify.Watcher
	path       string
	onReload   func(*Config)
	lastEvent  time.Time
	debounce   time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}
	running    bool
	reloads    int
	loadErrors int
}

// NewWatcher creates a watcher for the given config file path.
func NewWatcher(path string, onReload func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:  fw,
		path:     path,
		onReload: onReload,
		debounce: 500 * time.Millisecond, // Editors fire several events per save
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; the watch loop runs in a goroutine
// until Stop or context cancellation.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	// Watch the directory, not the file: most editors replace the file on
	// save, which would silently detach a file-level watch.
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	go w.loop(ctx)
	logging.Boot("config watcher started for %s", w.path)
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.doneCh)
	base := filepath.Base(w.path)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.mu.Lock()
			if time.Since(w.lastEvent) < w.debounce {
				w.mu.Unlock()
				continue
			}
			w.lastEvent = time.Now()
			w.mu.Unlock()
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryBoot).Warn("config watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.mu.Lock()
		w.loadErrors++
		w.mu.Unlock()
		logging.Get(logging.CategoryBoot).Warn("config reload rejected: %v", err)
		return
	}

	w.mu.Lock()
	w.reloads++
	n := w.reloads
	w.mu.Unlock()

	logging.Boot("config reloaded (#%d)", n)
	if w.onReload != nil {
		w.onReload(cfg)
	}
}

// Stop halts the watch loop and releases the underlying watcher.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	_ = w.watcher.Close()
}
