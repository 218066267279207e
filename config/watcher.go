package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatcherConfig configures the config file watcher
type WatcherConfig struct {
	// Path is the config file to watch
	Path string

	// DebounceDelay is how long to wait for more changes before reloading
	DebounceDelay time.Duration

	// Logger for logging events
	Logger *slog.Logger
}

// ReloadEvent carries the result of one reload attempt. Config is nil
// when the reload failed; the previous configuration stays in effect.
type ReloadEvent struct {
	Config *Config
	Error  error
}

// Watcher reloads the config file on change and emits the parsed
// result. Editors replace files via rename, so the parent directory is
// watched rather than the file itself.
type Watcher struct {
	config  WatcherConfig
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	// Debouncing: collect changes before reloading
	pendingMu sync.Mutex
	pending   bool

	events chan ReloadEvent
}

// NewWatcher creates a watcher for one config file
func NewWatcher(config WatcherConfig) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if config.DebounceDelay == 0 {
		config.DebounceDelay = 250 * time.Millisecond
	}

	return &Watcher{
		config:  config,
		watcher: fsw,
		logger:  logger,
		events:  make(chan ReloadEvent, 4),
	}, nil
}

// Events returns the channel of reload events
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start begins watching the config file for changes
func (w *Watcher) Start(ctx context.Context) error {
	dir := filepath.Dir(w.config.Path)
	if err := w.watcher.Add(dir); err != nil {
		return err
	}

	go w.processEvents(ctx)

	w.logger.Info("Config watcher started",
		"path", w.config.Path,
		"debounce", w.config.DebounceDelay)

	return nil
}

// Stop stops the watcher
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

// processEvents handles fsnotify events with debouncing
func (w *Watcher) processEvents(ctx context.Context) {
	ticker := time.NewTicker(w.config.DebounceDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFSEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Config watcher error", "error", err)

		case <-ticker.C:
			w.flushPending()
		}
	}
}

// handleFSEvent marks a reload pending when the watched file changed
func (w *Watcher) handleFSEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(w.config.Path) {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return
	}

	w.pendingMu.Lock()
	w.pending = true
	w.pendingMu.Unlock()

	w.logger.Debug("Config change detected", "op", event.Op.String())
}

// flushPending reloads the file once for a burst of changes
func (w *Watcher) flushPending() {
	w.pendingMu.Lock()
	dirty := w.pending
	w.pending = false
	w.pendingMu.Unlock()
	if !dirty {
		return
	}

	cfg, err := LoadFromFile(w.config.Path)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		w.logger.Warn("Config reload failed, keeping previous configuration",
			"path", w.config.Path,
			"error", err)
		w.sendEvent(ReloadEvent{Error: err})
		return
	}

	w.logger.Info("Config reloaded", "path", w.config.Path)
	w.sendEvent(ReloadEvent{Config: cfg})
}

// sendEvent sends a reload event to the output channel
func (w *Watcher) sendEvent(event ReloadEvent) {
	select {
	case w.events <- event:
	default:
		w.logger.Warn("Reload channel full, dropping event")
	}
}
