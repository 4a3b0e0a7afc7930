package config

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Manager handles configuration loading and hot-reload.
// It uses atomic pointer swaps to ensure thread-safe config updates.
//
// Only the mutable sections (domain TTLs, throttle limits, logging level)
// are applied on reload. Server binding, security, and the cache database
// location are fixed for the life of the process; a reload that changes
// them keeps the running values and logs a warning. Reloads never alter
// the effective TTL of rows already stored in the cache, because each row
// carries the TTL it was stored with.
type Manager struct {
	config   atomic.Pointer[Config]
	path     string
	watcher  *fsnotify.Watcher
	onChange []func(*Config)
	logger   *slog.Logger
}

// NewManager creates a new configuration manager.
func NewManager(path string, logger *slog.Logger) (*Manager, error) {
	cfg, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		path:   path,
		logger: logger,
	}
	m.config.Store(cfg)

	return m, nil
}

// NewStaticManager wraps an already-built configuration, for embedding the
// proxy as a library without a config file.
func NewStaticManager(cfg *Config, logger *slog.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{logger: logger}
	m.config.Store(cfg)
	return m, nil
}

// Get returns the current configuration.
// This is safe to call concurrently from multiple goroutines.
func (m *Manager) Get() *Config {
	return m.config.Load()
}

// OnChange registers a callback to be invoked when configuration changes.
func (m *Manager) OnChange(fn func(*Config)) {
	m.onChange = append(m.onChange, fn)
}

// Watch starts watching the configuration file for changes.
// It debounces rapid changes and reloads configuration atomically.
func (m *Manager) Watch(ctx context.Context) error {
	if m.path == "" {
		return nil // static config, nothing to watch
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	m.watcher = watcher

	if err := watcher.Add(m.path); err != nil {
		_ = watcher.Close()
		return err
	}

	go m.watchLoop(ctx)
	return nil
}

func (m *Manager) watchLoop(ctx context.Context) {
	// Debounce timer to avoid rapid reloads
	const debounceDelay = 500 * time.Millisecond
	var debounceTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			_ = m.watcher.Close()
			return

		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDelay, func() {
					m.reload()
				})
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("config watcher error", "error", err)
		}
	}
}

func (m *Manager) reload() {
	newCfg, err := LoadFromFile(m.path)
	if err != nil {
		m.logger.Error("failed to reload config, keeping current",
			"error", err,
		)
		return
	}

	current := m.config.Load()
	merged := mergeImmutable(current, newCfg)
	if merged != newCfg {
		m.logger.Warn("immutable config sections changed on disk, keeping running values",
			"sections", "server, security, cache.database_path",
		)
	}

	// Atomic swap
	m.config.Store(merged)
	m.logger.Info("configuration reloaded successfully")

	for _, fn := range m.onChange {
		fn(merged)
	}
}

// mergeImmutable carries the running values of the immutable sections into a
// freshly loaded config. Returns newCfg unchanged when nothing was overridden.
func mergeImmutable(current, newCfg *Config) *Config {
	if current.Server == newCfg.Server &&
		current.Security == newCfg.Security &&
		current.Cache.DatabasePath == newCfg.Cache.DatabasePath {
		return newCfg
	}

	merged := *newCfg
	merged.Server = current.Server
	merged.Security = current.Security
	merged.Cache.DatabasePath = current.Cache.DatabasePath
	return &merged
}

// Close stops the configuration watcher.
func (m *Manager) Close() error {
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}
