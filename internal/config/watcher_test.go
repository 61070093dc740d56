package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, path, body string, mtime time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	// Force a visible mtime change even on coarse-granularity filesystems.
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "vocero.yaml")
	base := time.Now().Add(-time.Minute)
	writeConfigFile(t, path, validYAML, base)

	changed := make(chan *Config, 1)
	w, err := NewWatcher(path, 10*time.Millisecond, nil, func(old, new *Config) {
		changed <- new
	})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if w.Current().Server.LogLevel != LogDebug {
		t.Fatalf("initial log_level = %q", w.Current().Server.LogLevel)
	}

	updated := strings.Replace(validYAML, "log_level: debug", "log_level: warn", 1)
	writeConfigFile(t, path, updated, base.Add(10*time.Second))

	select {
	case cfg := <-changed:
		if cfg.Server.LogLevel != LogWarn {
			t.Errorf("reloaded log_level = %q", cfg.Server.LogLevel)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for reload")
	}

	if w.Current().Server.LogLevel != LogWarn {
		t.Errorf("Current not updated: %q", w.Current().Server.LogLevel)
	}
}

func TestWatcher_InvalidEditKeepsPrevious(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "vocero.yaml")
	base := time.Now().Add(-time.Minute)
	writeConfigFile(t, path, validYAML, base)

	w, err := NewWatcher(path, 10*time.Millisecond, nil, func(old, new *Config) {
		t.Error("onChange fired for invalid config")
	})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	writeConfigFile(t, path, "server:\n  log_level: bogus\n", base.Add(10*time.Second))
	time.Sleep(100 * time.Millisecond)

	if w.Current().Server.LogLevel != LogDebug {
		t.Errorf("previous config lost: log_level = %q", w.Current().Server.LogLevel)
	}
}

func TestWatcher_StopIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "vocero.yaml")
	writeConfigFile(t, path, validYAML, time.Now())

	w, err := NewWatcher(path, time.Second, nil, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.Stop()
	w.Stop()
}

func TestWatcher_InitialLoadFailure(t *testing.T) {
	t.Parallel()

	if _, err := NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), time.Second, nil, nil); err == nil {
		t.Fatal("expected error for missing file")
	}
}
