package config

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ChangeFunc observes a successful reload. Both trees are fully
// resolved; subscribers diff the sections they can apply live.
type ChangeFunc func(old, new *Config)

// Reloader re-resolves the configuration when the watched file
// changes. A reload that fails to load or validate is logged and
// discarded: a broken edit never changes a running broker.
type Reloader struct {
	loader  *Loader
	watcher *Watcher
	logger  *zap.Logger

	mu        sync.RWMutex
	current   *Config
	onChange  []ChangeFunc
	lastError error
}

// NewReloader wraps a loader and its already-loaded result. The
// loader's path, prefix, and validators are reused on every reload so
// a reloaded tree resolves exactly like the boot tree.
func NewReloader(loader *Loader, initial *Config, logger *zap.Logger, opts ...WatcherOption) (*Reloader, error) {
	if loader == nil || loader.configPath == "" {
		return nil, fmt.Errorf("reloader needs a loader with a config path")
	}
	if initial == nil {
		return nil, fmt.Errorf("reloader needs the initial config")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "config_reloader"))

	r := &Reloader{
		loader:  loader,
		logger:  logger,
		current: initial,
	}
	opts = append(opts, WithWatcherLogger(logger))
	r.watcher = NewWatcher(loader.configPath, opts...)
	r.watcher.OnChange(r.handleEvent)
	return r, nil
}

// Current returns the latest successfully loaded tree.
func (r *Reloader) Current() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// LastError returns the most recent reload failure, nil after a
// successful reload.
func (r *Reloader) LastError() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastError
}

// OnChange subscribes to successful reloads.
func (r *Reloader) OnChange(fn ChangeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = append(r.onChange, fn)
}

// Start begins watching the file.
func (r *Reloader) Start() error {
	return r.watcher.Start()
}

// Stop halts watching.
func (r *Reloader) Stop() {
	r.watcher.Stop()
}

func (r *Reloader) handleEvent(event Event) {
	if event.Op == OpRemove {
		r.logger.Warn("config file removed, keeping current config",
			zap.String("path", event.Path))
		return
	}

	cfg, err := r.loader.Load()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		r.mu.Lock()
		r.lastError = err
		r.mu.Unlock()
		r.logger.Warn("config reload rejected", zap.Error(err))
		return
	}

	r.mu.Lock()
	old := r.current
	r.current = cfg
	r.lastError = nil
	subscribers := append([]ChangeFunc(nil), r.onChange...)
	r.mu.Unlock()

	r.logger.Info("config reloaded",
		zap.String("changed", strings.Join(ChangedSections(old, cfg), ",")),
	)
	for _, fn := range subscribers {
		fn(old, cfg)
	}
}

// ChangedSections names the top-level sections that differ between two
// trees, in declaration order.
func ChangedSections(old, new *Config) []string {
	if old == nil || new == nil {
		return nil
	}
	var changed []string
	oldValue := reflect.ValueOf(*old)
	newValue := reflect.ValueOf(*new)
	t := oldValue.Type()
	for i := 0; i < t.NumField(); i++ {
		if !reflect.DeepEqual(oldValue.Field(i).Interface(), newValue.Field(i).Interface()) {
			name := t.Field(i).Tag.Get("yaml")
			if name == "" {
				name = t.Field(i).Name
			}
			changed = append(changed, name)
		}
	}
	return changed
}
