// Package config provides configuration loading and hot reload.
package config

import (
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Holder provides thread-safe access to configuration with hot reload support.
type Holder struct {
	mu        sync.RWMutex
	config    *Config
	path      string
	logger    zerolog.Logger
	watcher   *fsnotify.Watcher
	dirs      *fsnotify.Watcher
	onChange  []func(*Config)
	onAttempt []func(error)
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewHolder creates a new config holder and loads the initial configuration.
func NewHolder(path string, logger zerolog.Logger) (*Holder, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}

	h := &Holder{
		config: cfg,
		path:   absPath,
		logger: logger,
		stopCh: make(chan struct{}),
	}

	return h, nil
}

// NewEnvHolder creates a holder for configuration taken from environment
// variables and defaults only. Reload re-reads the environment.
func NewEnvHolder(logger zerolog.Logger) (*Holder, error) {
	cfg, err := LoadFromEnv()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	return &Holder{
		config: cfg,
		logger: logger,
		stopCh: make(chan struct{}),
	}, nil
}

// Path returns the watched config file, or "" for an environment holder.
func (h *Holder) Path() string {
	return h.path
}

func (h *Holder) load() (*Config, error) {
	if h.path == "" {
		return LoadFromEnv()
	}
	return Load(h.path)
}

// Get returns the current configuration (thread-safe).
func (h *Holder) Get() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

// Reload reloads the configuration from disk.
// Returns error if loading fails (keeps old config).
func (h *Holder) Reload() error {
	h.logger.Info().Str("path", h.path).Msg("reloading configuration")

	newCfg, err := h.load()
	if err != nil {
		h.logger.Error().Err(err).Msg("config reload failed, keeping old config")
		err = fmt.Errorf("reload config: %w", err)
		h.notifyAttempt(err)
		return err
	}

	h.mu.Lock()
	oldCfg := h.config
	h.config = newCfg
	listeners := append([]func(*Config){}, h.onChange...)
	h.mu.Unlock()

	// Log what changed
	h.logChanges(oldCfg, newCfg)

	// Notify listeners
	for _, fn := range listeners {
		fn(newCfg)
	}
	h.notifyAttempt(nil)

	h.logger.Info().Msg("configuration reloaded successfully")
	return nil
}

// OnChange registers a callback to be called when config changes.
func (h *Holder) OnChange(fn func(*Config)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onChange = append(h.onChange, fn)
}

// OnReloadAttempt registers a callback called after every reload with its
// outcome (used for metrics).
func (h *Holder) OnReloadAttempt(fn func(err error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onAttempt = append(h.onAttempt, fn)
}

func (h *Holder) notifyAttempt(err error) {
	h.mu.RLock()
	fns := append([]func(error){}, h.onAttempt...)
	h.mu.RUnlock()
	for _, fn := range fns {
		fn(err)
	}
}

// WatchFile starts watching the config file for changes.
// Changes trigger automatic reload.
func (h *Holder) WatchFile() error {
	if h.path == "" {
		return fmt.Errorf("no config file to watch")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	h.watcher = watcher

	// Watch the directory (more reliable for editors that do atomic saves)
	dir := filepath.Dir(h.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch directory: %w", err)
	}

	go h.watchLoop()

	h.logger.Info().Str("path", h.path).Msg("watching config file for changes")
	return nil
}

// WatchSignals starts listening for SIGHUP to trigger reload.
func (h *Holder) WatchSignals() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)

	go func() {
		for {
			select {
			case <-sigCh:
				h.logger.Info().Msg("received SIGHUP, reloading config")
				if err := h.Reload(); err != nil {
					h.logger.Error().Err(err).Msg("SIGHUP reload failed")
				}
			case <-h.stopCh:
				signal.Stop(sigCh)
				return
			}
		}
	}()

	h.logger.Info().Msg("listening for SIGHUP to reload config")
}

// WatchDir calls onChange whenever a definition file (.yaml or .yml) under
// dir is written, created, removed or renamed. Subdirectories existing at
// the time of the call are watched too.
func (h *Holder) WatchDir(dir string, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		watcher.Close()
		return fmt.Errorf("watch directory: %w", err)
	}
	h.dirs = watcher

	go h.dirLoop(watcher, onChange)

	h.logger.Info().Str("dir", dir).Msg("watching definitions for changes")
	return nil
}

// Stop stops watching for file changes and signals. It is safe to call
// more than once.
func (h *Holder) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
		if h.watcher != nil {
			h.watcher.Close()
		}
		if h.dirs != nil {
			h.dirs.Close()
		}
	})
}

func (h *Holder) dirLoop(watcher *fsnotify.Watcher, onChange func()) {
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			ext := filepath.Ext(event.Name)
			if ext != ".yaml" && ext != ".yml" {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				h.logger.Debug().
					Str("event", event.Op.String()).
					Str("file", event.Name).
					Msg("definition changed")
				onChange()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			h.logger.Error().Err(err).Msg("definitions watcher error")

		case <-h.stopCh:
			return
		}
	}
}

func (h *Holder) watchLoop() {
	filename := filepath.Base(h.path)

	for {
		select {
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}

			// Only react to our config file
			if filepath.Base(event.Name) != filename {
				continue
			}

			// React to write or create (atomic save = create)
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				h.logger.Debug().
					Str("event", event.Op.String()).
					Str("file", event.Name).
					Msg("config file changed")

				if err := h.Reload(); err != nil {
					h.logger.Error().Err(err).Msg("file watch reload failed")
				}
			}

		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Error().Err(err).Msg("file watcher error")

		case <-h.stopCh:
			return
		}
	}
}

func (h *Holder) logChanges(old, new *Config) {
	// Log significant changes
	if old.Logging.Level != new.Logging.Level {
		h.logger.Info().
			Str("old", old.Logging.Level).
			Str("new", new.Logging.Level).
			Msg("log level changed")
	}

	if old.Definitions.Dir != new.Definitions.Dir {
		h.logger.Info().
			Str("old", old.Definitions.Dir).
			Str("new", new.Definitions.Dir).
			Msg("definitions dir changed")
	}

	if old.Transport.BaseURL != new.Transport.BaseURL {
		h.logger.Info().
			Str("old", old.Transport.BaseURL).
			Str("new", new.Transport.BaseURL).
			Msg("transport base url changed")
	}

	if old.Binding.TemplatePath != new.Binding.TemplatePath {
		h.logger.Info().
			Str("old", old.Binding.TemplatePath).
			Str("new", new.Binding.TemplatePath).
			Msg("template path changed")
	}
}

// ReloadableFields returns which fields can be changed without restart.
func ReloadableFields() []string {
	return []string{
		"definitions.dir",
		"binding.template_path",
		"binding.format",
		"logging.level",
	}
}

// NonReloadableFields returns which fields require a restart.
func NonReloadableFields() []string {
	return []string{
		"server.host",
		"server.port",
		"bus.driver",
		"bus.url",
		"transport.base_url",
		"metrics.enabled",
	}
}
