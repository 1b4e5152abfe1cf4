// Package policy loads lane-scheduler policy overrides from a YAML file and
// hot-reloads them via fsnotify, pushing updates into a
// lanescheduler.Scheduler through UpdatePolicy. Grounded on the pattern
// used for hot-reloadable pattern files elsewhere in this codebase: an
// atomic.Value holding the current policy, with a debounced file watcher
// that swaps it in place.
package policy

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/surfwright/surfwright/internal/lanescheduler"
)

// File is the on-disk shape of a policy override file.
type File struct {
	DepthCap          int    `yaml:"depthCap"`
	WaitBudget        string `yaml:"waitBudget"`
	GlobalActiveLanes int    `yaml:"globalActiveLanes"`
}

func (f *File) toConfig(fallback lanescheduler.Config) (lanescheduler.Config, error) {
	cfg := fallback
	if f.DepthCap > 0 {
		cfg.DepthCap = f.DepthCap
	}
	if f.GlobalActiveLanes > 0 {
		cfg.GlobalActiveLanes = f.GlobalActiveLanes
	}
	if f.WaitBudget != "" {
		d, err := time.ParseDuration(f.WaitBudget)
		if err != nil {
			return cfg, fmt.Errorf("invalid waitBudget %q: %w", f.WaitBudget, err)
		}
		cfg.WaitBudget = d
	}
	return cfg, nil
}

// Manager watches an optional YAML policy file and keeps a
// lanescheduler.Scheduler's policy in sync with it.
type Manager struct {
	path      string
	scheduler *lanescheduler.Scheduler
	base      lanescheduler.Config

	current atomic.Value // lanescheduler.Config

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
}

// New builds a Manager. base is the policy applied when the file is absent,
// unreadable, or invalid.
func New(path string, scheduler *lanescheduler.Scheduler, base lanescheduler.Config) *Manager {
	m := &Manager{path: path, scheduler: scheduler, base: base, stopCh: make(chan struct{})}
	m.current.Store(base)
	return m
}

// Current returns the effective policy.
func (m *Manager) Current() lanescheduler.Config {
	return m.current.Load().(lanescheduler.Config)
}

// Start loads the policy file (if any), applies it, and begins watching for
// changes when hotReload is true.
func (m *Manager) Start(hotReload bool) {
	if m.path == "" {
		return
	}

	if err := m.reload(); err != nil {
		log.Warn().Err(err).Str("path", m.path).Msg("failed to load lane policy file, using defaults")
	}

	if !hotReload {
		return
	}
	if err := m.startWatcher(); err != nil {
		log.Warn().Err(err).Str("path", m.path).Msg("failed to start lane policy watcher, hot-reload disabled")
	}
}

// Close stops the watcher goroutine, idempotently.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()

	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

func (m *Manager) reload() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("read policy file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("invalid policy YAML: %w", err)
	}

	cfg, err := f.toConfig(m.base)
	if err != nil {
		return err
	}

	m.current.Store(cfg)
	if m.scheduler != nil {
		m.scheduler.UpdatePolicy(cfg)
	}
	log.Info().
		Int("depthCap", cfg.DepthCap).
		Int("globalActiveLanes", cfg.GlobalActiveLanes).
		Dur("waitBudget", cfg.WaitBudget).
		Msg("lane policy reloaded")
	return nil
}

func (m *Manager) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	if err := watcher.Add(m.path); err != nil {
		watcher.Close()
		return fmt.Errorf("watch policy file: %w", err)
	}
	m.watcher = watcher

	m.wg.Add(1)
	go m.watchFile()
	return nil
}

func (m *Manager) watchFile() {
	defer m.wg.Done()

	const debounceDelay = 100 * time.Millisecond
	var debounceTimer *time.Timer
	var debouncing bool

	for {
		select {
		case <-m.stopCh:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debouncing {
				if !debounceTimer.Stop() {
					select {
					case <-debounceTimer.C:
					default:
					}
				}
				debounceTimer.Reset(debounceDelay)
			} else {
				debouncing = true
				debounceTimer = time.AfterFunc(debounceDelay, func() {
					if err := m.reload(); err != nil {
						log.Warn().Err(err).Str("path", m.path).Msg("lane policy hot-reload failed, keeping previous policy")
					}
					debouncing = false
				})
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("lane policy watcher error")
		}
	}
}
