package config

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Update represents a configuration change notification
type Update struct {
	VersionTs int64       // Version of the new snapshot
	Config    *SafeConfig // Full latest configuration
}

// Manager watches the configuration file and notifies subscribers when a
// new snapshot is loaded. Reload is driven by modification time polling,
// so a deployment only has to rewrite the file to reconfigure a live
// worker.
type Manager struct {
	path     string
	interval time.Duration
	config   *SafeConfig
	logger   *slog.Logger

	subscribers []chan Update
	mu          sync.RWMutex // protects subscribers

	lastModTime time.Time

	// Lifecycle management
	shutdownCh chan struct{}
	wg         sync.WaitGroup
	stopped    atomic.Bool
}

// NewManager creates a configuration manager for the given file path. The
// file must load successfully before the manager is returned.
func NewManager(path string, interval time.Duration, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		path:     path,
		interval: interval,
		config:   NewSafeConfig(cfg),
		logger:   logger,
	}

	if info, err := os.Stat(path); err == nil {
		m.lastModTime = info.ModTime()
	}

	return m, nil
}

// GetConfig returns the current configuration
func (cm *Manager) GetConfig() *SafeConfig {
	return cm.config
}

// OnChange subscribes to configuration snapshot changes. The current
// snapshot is delivered immediately, then one Update per reload.
func (cm *Manager) OnChange() <-chan Update {
	ch := make(chan Update, 1) // Buffered to prevent blocking

	cm.mu.Lock()
	cm.subscribers = append(cm.subscribers, ch)
	cm.mu.Unlock()

	// Send initial config immediately
	select {
	case ch <- Update{VersionTs: cm.config.VersionTs(), Config: cm.config}:
	default:
	}

	return ch
}

// Start begins polling the config file for changes
func (cm *Manager) Start(ctx context.Context) error {
	cm.shutdownCh = make(chan struct{})

	cm.wg.Add(1)
	go cm.watchLoop(ctx)

	cm.logger.Info("Config manager started",
		"path", cm.path,
		"poll_interval", cm.interval,
		"version_ts", cm.config.VersionTs())

	return nil
}

// Stop halts polling and closes all subscriber channels
func (cm *Manager) Stop() {
	if cm.stopped.Swap(true) {
		return
	}

	if cm.shutdownCh != nil {
		close(cm.shutdownCh)
	}
	cm.wg.Wait()

	cm.mu.Lock()
	for _, ch := range cm.subscribers {
		close(ch)
	}
	cm.subscribers = nil
	cm.mu.Unlock()
}

func (cm *Manager) watchLoop(ctx context.Context) {
	defer cm.wg.Done()

	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cm.shutdownCh:
			return
		case <-ticker.C:
			cm.checkForChange()
		}
	}
}

// checkForChange reloads the file when its modification time advances.
func (cm *Manager) checkForChange() {
	info, err := os.Stat(cm.path)
	if err != nil {
		cm.logger.Warn("Config file stat failed", "path", cm.path, "error", err)
		return
	}

	if !info.ModTime().After(cm.lastModTime) {
		return
	}
	cm.lastModTime = info.ModTime()

	cfg, err := Load(cm.path)
	if err != nil {
		// Keep running on the previous snapshot
		cm.logger.Error("Config reload failed, keeping current snapshot",
			"path", cm.path, "error", err)
		return
	}

	previous := cm.config.VersionTs()
	if cfg.VersionTs <= previous {
		// Version must advance; mtime is the tiebreaker when the file
		// carries no explicit version_ts.
		cfg.VersionTs = previous + 1
	}

	if err := cm.config.Update(cfg); err != nil {
		cm.logger.Error("Config update rejected", "error", err)
		return
	}

	cm.logger.Info("Configuration reloaded",
		"previous_version_ts", previous,
		"version_ts", cfg.VersionTs)

	cm.notify(Update{VersionTs: cfg.VersionTs, Config: cm.config})
}

func (cm *Manager) notify(update Update) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	for _, ch := range cm.subscribers {
		select {
		case ch <- update:
		default:
			// Drop the stale notification; the subscriber reads the
			// latest snapshot from SafeConfig when it catches up.
		}
	}
}
