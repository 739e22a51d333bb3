package config

import (
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Watcher keeps the latest valid configuration and notifies subscribers
// when the dynamic settings change. An invalid edit is logged and ignored.
type Watcher struct {
	path string
	v    *viper.Viper

	reloadMu sync.Mutex
	cur      atomic.Pointer[Config]

	mu   sync.Mutex
	subs []func(Dynamic)
}

func NewWatcher(path string, initial *Config) *Watcher {
	w := &Watcher{path: path, v: newViper(path)}
	w.cur.Store(initial)
	return w
}

// Current returns the most recent valid configuration.
func (w *Watcher) Current() *Config { return w.cur.Load() }

// Dynamic returns the live settings snapshot.
func (w *Watcher) Dynamic() Dynamic { return w.cur.Load().Dynamic() }

// OnChange registers fn to run after every reload that changes the dynamic
// settings.
func (w *Watcher) OnChange(fn func(Dynamic)) {
	w.mu.Lock()
	w.subs = append(w.subs, fn)
	w.mu.Unlock()
}

// Start watches the file through fsnotify.
func (w *Watcher) Start() {
	if w.path == "" {
		return
	}
	w.v.OnConfigChange(func(e fsnotify.Event) {
		slog.Info("config file changed", "path", e.Name, "op", e.Op.String())
		if err := w.Reload(); err != nil {
			slog.Error("config reload rejected", "path", w.path, "error", err)
		}
	})
	w.v.WatchConfig()
}

// Reload re-reads the file. Static sections take effect on restart only.
func (w *Watcher) Reload() error {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()
	if w.path != "" {
		if err := w.v.ReadInConfig(); err != nil {
			return err
		}
	}
	next, err := decode(w.v)
	if err != nil {
		return err
	}
	prev := w.cur.Swap(next)
	d := next.Dynamic()
	if prev != nil && sameDynamic(prev.Dynamic(), d) {
		return nil
	}
	slog.Info("dynamic settings applied",
		"interval", d.Monitor.Interval,
		"monitoring_enabled", d.Monitor.Enabled,
		"credentials", len(d.Credentials))

	w.mu.Lock()
	subs := slices.Clone(w.subs)
	w.mu.Unlock()
	for _, fn := range subs {
		fn(d)
	}
	return nil
}

func sameDynamic(a, b Dynamic) bool {
	return a.Monitor == b.Monitor && slices.Equal(a.Credentials, b.Credentials)
}
