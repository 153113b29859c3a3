package config

import (
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Watcher polls a file and re-parses it when its content changes. It serves
// both the server config and the scenario catalog: parse turns the raw bytes
// into a T, and onChange runs after every successful reload. A file that
// fails to parse is logged and the previous value is kept.
type Watcher[T any] struct {
	path     string
	interval time.Duration
	parse    func([]byte) (T, error)
	onChange func(old, new T)

	mu       sync.Mutex
	current  T
	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	lastMtime time.Time
	lastHash  [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*watcherOptions)

type watcherOptions struct {
	interval time.Duration
}

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(o *watcherOptions) {
		if d > 0 {
			o.interval = d
		}
	}
}

// NewWatcher loads path once and starts polling in a background goroutine.
// An initial load failure is returned.
func NewWatcher[T any](path string, parse func([]byte) (T, error), onChange func(old, new T), opts ...WatcherOption) (*Watcher[T], error) {
	o := watcherOptions{interval: 5 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	w := &Watcher[T]{
		path:     path,
		interval: o.interval,
		parse:    parse,
		onChange: onChange,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}

	v, hash, mtime, err := w.loadAndHash()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load %q: %w", path, err)
	}
	w.current = v
	w.lastHash = hash
	w.lastMtime = mtime

	go w.poll()
	return w, nil
}

// WatchConfig watches a server config file.
func WatchConfig(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher[*Config], error) {
	return NewWatcher(path, Parse, onChange, opts...)
}

// Current returns the most recently loaded valid value.
func (w *Watcher[T]) Current() T {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop stops polling and waits for the poll goroutine to exit.
func (w *Watcher[T]) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
	<-w.stopped
}

func (w *Watcher[T]) poll() {
	defer close(w.stopped)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// check reloads the file when its mtime moved and its content hash changed.
func (w *Watcher[T]) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	mtime := w.lastMtime
	w.mu.Unlock()
	if info.ModTime().Equal(mtime) {
		return
	}

	v, hash, newMtime, err := w.loadAndHash()
	if err != nil {
		slog.Warn("config watcher: keeping previous version", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	if hash == w.lastHash {
		w.lastMtime = newMtime
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current = v
	w.lastHash = hash
	w.lastMtime = newMtime
	w.mu.Unlock()

	slog.Info("config watcher: reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, v)
	}
}

func (w *Watcher[T]) loadAndHash() (T, [sha256.Size]byte, time.Time, error) {
	var zero T
	info, err := os.Stat(w.path)
	if err != nil {
		return zero, [sha256.Size]byte{}, time.Time{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return zero, [sha256.Size]byte{}, time.Time{}, err
	}
	v, err := w.parse(data)
	if err != nil {
		return zero, [sha256.Size]byte{}, time.Time{}, err
	}
	return v, sha256.Sum256(data), info.ModTime(), nil
}
