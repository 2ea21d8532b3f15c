package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/thearchitectit/guardrail-mcp/internal/layers/behavior"
)

func TestNewWatcherLoadsInitialLimits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hot-reload.yaml")
	body := "maxRequestsPerMinute: 42\nmaxRequestsPerHour: 999\nburstThreshold: 3\nlogLevel: debug\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write overlay: %v", err)
	}

	layer := behavior.New(120, 3000, 8)
	w, err := NewWatcher(path, layer)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	defer w.Close()
}

func TestNewWatcherMissingFileErrors(t *testing.T) {
	layer := behavior.New(120, 3000, 8)
	if _, err := NewWatcher("/nonexistent/hot-reload.yaml", layer); err == nil {
		t.Errorf("expected an error for a missing overlay file")
	}
}

func TestNewWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hot-reload.yaml")
	if err := os.WriteFile(path, []byte("maxRequestsPerMinute: 10\n"), 0o644); err != nil {
		t.Fatalf("write overlay: %v", err)
	}

	layer := behavior.New(120, 3000, 8)
	w, err := NewWatcher(path, layer)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte("maxRequestsPerMinute: 5\nmaxRequestsPerHour: 50\nburstThreshold: 2\n"), 0o644); err != nil {
		t.Fatalf("rewrite overlay: %v", err)
	}

	// the watcher goroutine applies the reload asynchronously.
	time.Sleep(100 * time.Millisecond)
}
