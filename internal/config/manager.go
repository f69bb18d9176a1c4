package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Manager holds the live configuration and reloads it when the file
// changes. Only settings that are safe to swap at runtime (image limits,
// fridge thresholds, timeouts) are expected to be read through Get after
// startup.
type Manager struct {
	path      string
	mu        sync.RWMutex
	current   *Config
	listeners []func(*Config)
	logger    *slog.Logger
}

// NewManager loads path (which may not exist yet) and env overrides.
func NewManager(path string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Manager{path: path, current: cfg, logger: logger}, nil
}

// Get returns a copy of the effective config.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	effective := *m.current
	return &effective
}

// OnChange registers fn to run after every successful reload.
func (m *Manager) OnChange(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Reload re-reads the file. An invalid file leaves the current config in
// place.
func (m *Manager) Reload() error {
	cfg, err := Load(m.path)
	if err != nil {
		return fmt.Errorf("reload %s: %w", m.path, err)
	}

	m.mu.Lock()
	m.current = cfg
	listeners := append([]func(*Config){}, m.listeners...)
	m.mu.Unlock()

	for _, fn := range listeners {
		effective := *cfg
		fn(&effective)
	}
	m.logger.Info("[Config] Reloaded", "path", m.path)
	return nil
}

// Watch reloads the config whenever the file is written, created or
// renamed into place, until ctx is cancelled. The parent directory is
// watched so editors that replace the file are handled.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(m.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(m.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := m.Reload(); err != nil {
				m.logger.Warn("[Config] Keeping previous config", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("[Config] Watcher error", "error", err)
		}
	}
}
