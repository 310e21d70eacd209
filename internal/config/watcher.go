package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"ollm/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches ~/.ollm/config.json for changes and delivers reloaded
// configs to a callback, so context-window and threshold changes apply
// without a restart.
type Watcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	baseDir     string
	onChange    func(Config)
	lastReload  time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
}

// NewWatcher creates a config watcher for the given base directory.
// onChange is invoked with the freshly loaded config after every valid edit.
func NewWatcher(baseDir string, onChange func(Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:     fsw,
		baseDir:     baseDir,
		onChange:    onChange,
		debounceDur: 500 * time.Millisecond, // Debounce rapid editor saves
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; the watcher runs in a goroutine.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	// Watch the directory, not the file: editors replace files on save.
	if err := w.watcher.Add(w.baseDir); err != nil {
		logging.Get(logging.CategoryBoot).Warn("ConfigWatcher: initial watch failed (dir may not exist): %v", err)
	} else {
		logging.Boot("ConfigWatcher: watching %s", w.baseDir)
	}

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for cleanup.
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

	if err := w.watcher.Close(); err != nil {
		logging.Get(logging.CategoryBoot).Error("ConfigWatcher: error closing watcher: %v", err)
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

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
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryBoot).Error("ConfigWatcher error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Base(event.Name) != "config.json" {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}

	w.mu.Lock()
	if time.Since(w.lastReload) < w.debounceDur {
		w.mu.Unlock()
		return
	}
	w.lastReload = time.Now()
	w.mu.Unlock()

	cfg, err := Load(w.baseDir)
	if err != nil {
		logging.Get(logging.CategoryBoot).Warn("ConfigWatcher: reload rejected: %v", err)
		return
	}

	logging.Boot("ConfigWatcher: config reloaded (max_tokens=%d)", cfg.ContextWindow.MaxTokens)
	if err := logging.ReloadConfig(); err != nil {
		logging.Get(logging.CategoryBoot).Warn("ConfigWatcher: logging reload failed: %v", err)
	}
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
