package config

import (
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Op classifies a watched-file change.
type Op int

const (
	// OpCreate means the file appeared.
	OpCreate Op = iota
	// OpWrite means the file was modified.
	OpWrite
	// OpRemove means the file disappeared.
	OpRemove
)

// String returns the event name.
func (op Op) String() string {
	switch op {
	case OpCreate:
		return "CREATE"
	case OpWrite:
		return "WRITE"
	case OpRemove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// Event is one observed change to the watched file.
type Event struct {
	Path      string    `json:"path"`
	Op        Op        `json:"op"`
	Timestamp time.Time `json:"timestamp"`
}

// Watcher polls one file for modification-time changes. Polling keeps
// the behavior identical across platforms and survives editors that
// replace the file instead of writing it in place.
type Watcher struct {
	mu        sync.RWMutex
	path      string
	interval  time.Duration
	debounce  time.Duration
	callbacks []func(Event)
	logger    *zap.Logger

	running bool
	stop    chan struct{}

	lastMod time.Time
	exists  bool
}

// WatcherOption adjusts a Watcher.
type WatcherOption func(*Watcher)

// WithPollInterval sets how often the file is stat'd.
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.interval = d }
}

// WithDebounce sets how long a burst of changes is coalesced before
// callbacks fire. Editors often write a file several times per save.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithWatcherLogger sets the logger.
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = logger }
}

// NewWatcher creates a watcher for one path. The file may not exist
// yet; creation is reported as an event.
func NewWatcher(path string, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		path:     path,
		interval: time.Second,
		debounce: 100 * time.Millisecond,
		stop:     make(chan struct{}),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// OnChange registers a callback. Callbacks run on the watcher
// goroutine and must not block.
func (w *Watcher) OnChange(fn func(Event)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Start begins polling.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	w.running = true

	if info, err := os.Stat(w.path); err == nil {
		w.lastMod = info.ModTime()
		w.exists = true
	}

	go w.run()
	w.logger.Info("config watcher started",
		zap.String("path", w.path),
		zap.Duration("poll_interval", w.interval),
	)
	return nil
}

// Stop halts polling. Safe to call more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	w.running = false
	close(w.stop)
	w.logger.Info("config watcher stopped")
}

// IsRunning reports whether the watcher is polling.
func (w *Watcher) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// Path returns the watched path.
func (w *Watcher) Path() string {
	return w.path
}

func (w *Watcher) run() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var pending *Event
	var timer *time.Timer

	flush := func() {
		if pending == nil {
			return
		}
		event := *pending
		pending = nil

		w.mu.RLock()
		callbacks := append(([]func(Event))(nil), w.callbacks...)
		w.mu.RUnlock()

		w.logger.Debug("config file changed",
			zap.String("path", event.Path),
			zap.String("op", event.Op.String()),
		)
		for _, cb := range callbacks {
			cb(event)
		}
	}

	for {
		var fire <-chan time.Time
		if timer != nil {
			fire = timer.C
		}

		select {
		case <-w.stop:
			return
		case <-fire:
			timer = nil
			flush()
		case <-ticker.C:
			event, ok := w.check()
			if !ok {
				continue
			}
			// Later ops in a burst win; a save that ends in a write
			// reports a write.
			pending = &event
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(w.debounce)
			}
		}
	}
}

// check stats the file and classifies any change since the last poll.
func (w *Watcher) check() (Event, bool) {
	info, err := os.Stat(w.path)
	if err != nil {
		if w.exists {
			w.exists = false
			return Event{Path: w.path, Op: OpRemove, Timestamp: time.Now()}, true
		}
		return Event{}, false
	}

	if !w.exists {
		w.exists = true
		w.lastMod = info.ModTime()
		return Event{Path: w.path, Op: OpCreate, Timestamp: time.Now()}, true
	}
	if info.ModTime().After(w.lastMod) {
		w.lastMod = info.ModTime()
		return Event{Path: w.path, Op: OpWrite, Timestamp: time.Now()}, true
	}
	return Event{}, false
}
