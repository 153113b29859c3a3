package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voicecoach/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
database:
  dsn: "postgres://localhost/test"
`

const watcherUpdatedYAML = `
server:
  log_level: debug
database:
  dsn: "postgres://localhost/test"
`

const watcherInvalidYAML = `
server:
  log_level: bananas
database:
  dsn: "postgres://localhost/test"
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
}

// rewrite replaces the file content and moves its mtime forward so the change
// is visible regardless of filesystem timestamp granularity.
func rewrite(t *testing.T, path, content string, bump time.Duration) {
	t.Helper()
	writeFile(t, path, content)
	ts := time.Now().Add(bump)
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func TestWatchConfig_InitialLoad(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherValidYAML)

	w, err := config.WatchConfig(path, nil, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("WatchConfig: %v", err)
	}
	defer w.Stop()

	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Errorf("log_level = %q, want info", got)
	}
}

func TestWatchConfig_DetectsChange(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherValidYAML)

	type change struct{ old, new *config.Config }
	changes := make(chan change, 1)
	w, err := config.WatchConfig(path, func(old, new *config.Config) {
		select {
		case changes <- change{old, new}:
		default:
		}
	}, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	rewrite(t, path, watcherUpdatedYAML, 2*time.Second)

	select {
	case c := <-changes:
		if c.old.Server.LogLevel != config.LogInfo || c.new.Server.LogLevel != config.LogDebug {
			t.Errorf("change = %q -> %q", c.old.Server.LogLevel, c.new.Server.LogLevel)
		}
		d := config.Diff(c.old, c.new)
		if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
			t.Errorf("diff = %+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback was not invoked within timeout")
	}
	if got := w.Current().Server.LogLevel; got != config.LogDebug {
		t.Errorf("Current() log_level = %q", got)
	}
}

func TestWatchConfig_InvalidFileKeepsOldConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherValidYAML)

	var mu sync.Mutex
	calls := 0
	w, err := config.WatchConfig(path, func(_, _ *config.Config) {
		mu.Lock()
		calls++
		mu.Unlock()
	}, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	rewrite(t, path, watcherInvalidYAML, 2*time.Second)
	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("callback invoked %d times for an invalid file", calls)
	}
	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Errorf("Current() log_level = %q, want the old info", got)
	}
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherValidYAML)

	var mu sync.Mutex
	calls := 0
	w, err := config.WatchConfig(path, func(_, _ *config.Config) {
		mu.Lock()
		calls++
		mu.Unlock()
	}, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	rewrite(t, path, watcherValidYAML, 2*time.Second)
	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("callback fired %d times for a touch-only change", calls)
	}
}

func TestNewWatcher_CustomParser(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "names.txt")
	writeFile(t, path, "alloy,verse")

	parse := func(b []byte) ([]string, error) {
		s := strings.TrimSpace(string(b))
		if s == "" {
			return nil, errors.New("empty list")
		}
		return strings.Split(s, ","), nil
	}
	got := make(chan []string, 1)
	w, err := config.NewWatcher(path, parse, func(_, new []string) { got <- new }, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if cur := w.Current(); len(cur) != 2 {
		t.Fatalf("initial = %v", cur)
	}
	rewrite(t, path, "alloy,verse,shimmer", 2*time.Second)
	select {
	case v := <-got:
		if len(v) != 3 || v[2] != "shimmer" {
			t.Errorf("reloaded = %v", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reload")
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.WatchConfig("/nonexistent/path.yaml", nil); err == nil {
		t.Fatal("expected error for a missing file")
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherValidYAML)

	w, err := config.WatchConfig(path, nil, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	w.Stop()
	w.Stop()
}
