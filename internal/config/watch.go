package config

import (
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/thearchitectit/guardrail-mcp/internal/layers/behavior"
)

// HotReloadable is the subset of Config an operator can change without
// restarting the process: rate and burst thresholds, and the log
// level. Everything else (storage DSNs, transport ports, session
// sizing) takes effect only on the next process start.
type HotReloadable struct {
	MaxRequestsPerMinute int    `yaml:"maxRequestsPerMinute"`
	MaxRequestsPerHour   int    `yaml:"maxRequestsPerHour"`
	BurstThreshold       int    `yaml:"burstThreshold"`
	BurstWindowMs        int64  `yaml:"burstWindowMs"`
	LogLevel             string `yaml:"logLevel"`
}

// Watcher reloads a HotReloadable overlay file whenever it changes,
// pushing the new limits into the running behavior.Layer and adjusting
// the process log level, grounded on the catalog package's overlay
// watcher: same fsnotify-plus-yaml.v3 shape, applied to a different
// target.
type Watcher struct {
	watcher  *fsnotify.Watcher
	path     string
	behavior *behavior.Layer
	done     chan struct{}
}

// NewWatcher loads path once, applies it, and begins watching it for
// further changes. behavior must be the same *behavior.Layer instance
// backing the running server's L3 checks.
func NewWatcher(path string, behaviorLayer *behavior.Layer) (*Watcher, error) {
	if err := loadHotReloadable(path, behaviorLayer); err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{watcher: fw, path: path, behavior: behaviorLayer, done: make(chan struct{})}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("config: hot-reload watcher panicked", "panic", r)
		}
	}()
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := loadHotReloadable(w.path, w.behavior); err != nil {
				slog.Warn("config: failed to reload hot-reloadable config", "path", w.path, "error", err)
				continue
			}
			slog.Info("config: hot-reloadable config reloaded", "path", w.path)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config: hot-reload watcher error", "error", err)
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}

func loadHotReloadable(path string, behaviorLayer *behavior.Layer) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var hr HotReloadable
	if err := yaml.Unmarshal(data, &hr); err != nil {
		return err
	}

	behaviorLayer.SetLimits(hr.MaxRequestsPerMinute, hr.MaxRequestsPerHour, hr.BurstThreshold)
	if hr.BurstWindowMs > 0 {
		behaviorLayer.SetBurstWindow(time.Duration(hr.BurstWindowMs) * time.Millisecond)
	}
	if hr.LogLevel != "" {
		applyLogLevel(hr.LogLevel)
	}
	return nil
}

func applyLogLevel(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetLogLoggerLevel(lvl)
}
