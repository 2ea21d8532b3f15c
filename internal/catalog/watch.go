package catalog

import (
	"log/slog"
	"os"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// overlayFile is the on-disk shape of a pattern overlay: a flat list of
// OverridePattern entries an operator wants without a Postgres
// dependency.
type overlayFile struct {
	Patterns []OverridePattern `yaml:"patterns"`
}

// Watcher reloads a YAML pattern overlay file whenever it changes,
// without a process restart, via fsnotify.
type Watcher struct {
	watcher *fsnotify.Watcher
	path    string
	done    chan struct{}
}

// NewWatcher loads path once and begins watching it for changes.
func NewWatcher(path string) (*Watcher, error) {
	if err := loadOverlayFile(path); err != nil {
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

	w := &Watcher{watcher: fw, path: path, done: make(chan struct{})}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("catalog: overlay watcher panicked", "panic", r)
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
			if err := loadOverlayFile(w.path); err != nil {
				slog.Warn("catalog: failed to reload pattern overlay", "path", w.path, "error", err)
				continue
			}
			ClearRegexCache()
			slog.Info("catalog: pattern overlay reloaded", "path", w.path)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("catalog: overlay watcher error", "error", err)
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

func loadOverlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var f overlayFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return err
	}
	ApplyOverrides(f.Patterns)
	return nil
}
