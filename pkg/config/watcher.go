package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher holds the live Settings snapshot and swaps it when the file
// changes. Readers always see a complete, validated snapshot: a file that
// fails to parse or validate leaves the previous one in place.
type Watcher struct {
	path     string
	logger   *zap.Logger
	current  atomic.Pointer[Settings]
	debounce time.Duration
	fallback time.Duration

	mu        sync.Mutex
	listeners []func(*Settings)
}

// NewWatcher loads path and returns a Watcher seeded with it.
func NewWatcher(path string, logger *zap.Logger) (*Watcher, error) {
	s, err := Load(path)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Watcher{
		path:     path,
		logger:   logger.Named("config"),
		debounce: 200 * time.Millisecond,
		fallback: time.Minute,
	}
	w.current.Store(s)
	return w, nil
}

// Static returns a Watcher that serves s and never reloads. Used by tests and
// one-shot CLI commands.
func Static(s *Settings) *Watcher {
	w := &Watcher{logger: zap.NewNop()}
	w.current.Store(s)
	return w
}

// Current returns the active snapshot. Never nil.
func (w *Watcher) Current() *Settings {
	return w.current.Load()
}

// Path returns the watched settings file.
func (w *Watcher) Path() string { return w.path }

// OnChange registers fn to run after every successful reload.
func (w *Watcher) OnChange(fn func(*Settings)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Reload re-reads the file. On error the current snapshot is kept.
func (w *Watcher) Reload() error {
	if w.path == "" {
		return nil
	}
	s, err := Load(w.path)
	if err != nil {
		w.logger.Warn("settings reload rejected, keeping previous snapshot", zap.Error(err))
		return err
	}
	w.current.Store(s)
	w.logger.Info("settings reloaded", zap.Int("agents", len(s.Agents)))

	w.mu.Lock()
	listeners := append([]func(*Settings){}, w.listeners...)
	w.mu.Unlock()
	for _, fn := range listeners {
		fn(s)
	}
	return nil
}

// Run watches the settings file until ctx is cancelled. It watches the parent
// directory so atomic rename-over writes are seen. If fsnotify is unavailable
// it falls back to polling the modification time.
func (w *Watcher) Run(ctx context.Context) error {
	if w.path == "" {
		<-ctx.Done()
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("fsnotify unavailable, polling settings", zap.Error(err))
		return w.poll(ctx)
	}
	defer func() { _ = fw.Close() }()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		w.logger.Warn("cannot watch settings dir, polling", zap.String("dir", dir), zap.Error(err))
		return w.poll(ctx)
	}

	name := filepath.Clean(w.path)
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	fallback := time.NewTicker(w.fallback)
	defer fallback.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return fmt.Errorf("settings watcher closed")
			}
			if filepath.Clean(ev.Name) != name {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				timer.Reset(w.debounce)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return fmt.Errorf("settings watcher closed")
			}
			w.logger.Warn("settings watcher error", zap.Error(err))
		case <-timer.C:
			_ = w.Reload()
		case <-fallback.C:
			_ = w.reloadIfChanged()
		}
	}
}

func (w *Watcher) poll(ctx context.Context) error {
	interval := w.fallback
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_ = w.reloadIfChanged()
		}
	}
}

// reloadIfChanged reloads only when the parsed file differs from the
// current snapshot, so the fallback tick does not spam listeners.
func (w *Watcher) reloadIfChanged() error {
	s, err := Load(w.path)
	if err != nil {
		return err
	}
	cur, _ := Encode(w.Current(), FormatYAML)
	next, _ := Encode(s, FormatYAML)
	if string(cur) == string(next) {
		return nil
	}
	return w.Reload()
}
