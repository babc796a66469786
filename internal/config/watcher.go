package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Watcher monitors a config file, and the tenant file it names, for changes
// and calls a callback when either is modified. It uses polling (not
// fsnotify) to keep dependencies minimal.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)

	mu       sync.Mutex
	current  *Config
	done     chan struct{}
	stopOnce sync.Once

	// last known file state for change detection
	lastMtime        time.Time
	lastTenantsMtime time.Time
	lastHash         [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher creates a config file watcher. It loads the initial config
// immediately and starts polling in a background goroutine.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	snap, err := w.load()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = snap.cfg
	w.lastHash = snap.hash
	w.lastMtime = snap.mtime
	w.lastTenantsMtime = snap.tenantsMtime

	go w.poll()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop stops the file watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
}

// poll runs in a background goroutine, checking the files periodically.
func (w *Watcher) poll() {
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

// check reloads the config if either file changed and, when the result is
// valid and different, calls onChange and updates the current config.
func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	mtime, tenantsMtime := w.lastMtime, w.lastTenantsMtime
	tenantsFile := w.current.Tenants.File
	w.mu.Unlock()

	// Quick mtime checks first to avoid hashing unchanged files.
	changed := !info.ModTime().Equal(mtime)
	if !changed && tenantsFile != "" {
		ti, err := os.Stat(tenantsFile)
		changed = err != nil || !ti.ModTime().Equal(tenantsMtime)
	}
	if !changed {
		return
	}

	snap, err := w.load()
	if err != nil {
		slog.Warn("config watcher: failed to load config", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	if snap.hash == w.lastHash {
		// Touched but content is identical.
		w.lastMtime = snap.mtime
		w.lastTenantsMtime = snap.tenantsMtime
		w.mu.Unlock()
		return
	}

	old := w.current
	w.current = snap.cfg
	w.lastHash = snap.hash
	w.lastMtime = snap.mtime
	w.lastTenantsMtime = snap.tenantsMtime
	w.mu.Unlock()

	slog.Info("config watcher: configuration reloaded", "path", w.path)

	// Invoke the callback outside the lock so it can safely call Current().
	if w.onChange != nil {
		w.onChange(old, snap.cfg)
	}
}

type snapshot struct {
	cfg          *Config
	hash         [sha256.Size]byte
	mtime        time.Time
	tenantsMtime time.Time
}

// load reads and validates the config file and, when it names one, hashes
// the tenant file. The combined hash covers both files. An invalid config is
// an error; the caller keeps the old one.
func (w *Watcher) load() (snapshot, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return snapshot{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return snapshot{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return snapshot{}, err
	}

	h := sha256.New()
	h.Write(data)
	snap := snapshot{cfg: cfg, mtime: info.ModTime()}

	if cfg.Tenants.File != "" {
		ti, err := os.Stat(cfg.Tenants.File)
		if err != nil {
			return snapshot{}, fmt.Errorf("tenants file: %w", err)
		}
		tenants, err := os.ReadFile(cfg.Tenants.File)
		if err != nil {
			return snapshot{}, fmt.Errorf("tenants file: %w", err)
		}
		cfg.tenantsDigest = sha256.Sum256(tenants)
		h.Write([]byte{0})
		h.Write(tenants)
		snap.tenantsMtime = ti.ModTime()
	}
	copy(snap.hash[:], h.Sum(nil))
	return snap, nil
}
