package config_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/scribe/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
engines:
  primary:
    name: whisper
vocabulary:
  - apple
`

const watcherUpdatedYAML = `
server:
  log_level: debug
engines:
  primary:
    name: whisper
vocabulary:
  - apple
  - banana
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
}

// startWatcher runs w until the test ends.
func startWatcher(t *testing.T, w *config.Watcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// bumpMtime makes sure the next write is seen as a change even on file
// systems with coarse timestamps.
func bumpMtime(t *testing.T, path string) {
	t.Helper()
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	w, err := config.NewWatcher(cfgPath, nil, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() returned nil after initial load")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	var mu sync.Mutex
	var gotOld, gotNew *config.Config
	var gotDiff config.ConfigDiff
	called := make(chan struct{}, 1)

	w, err := config.NewWatcher(cfgPath, func(old, new *config.Config, d config.ConfigDiff) {
		mu.Lock()
		gotOld, gotNew, gotDiff = old, new, d
		mu.Unlock()
		select {
		case called <- struct{}{}:
		default:
		}
	}, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	startWatcher(t, w)

	writeFile(t, cfgPath, watcherUpdatedYAML)
	bumpMtime(t, cfgPath)

	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("callback was not invoked within timeout")
	}

	mu.Lock()
	defer mu.Unlock()

	if gotOld.Server.LogLevel != config.LogInfo || gotNew.Server.LogLevel != config.LogDebug {
		t.Errorf("log levels old=%q new=%q", gotOld.Server.LogLevel, gotNew.Server.LogLevel)
	}
	if !gotDiff.LogLevelChanged || !gotDiff.VocabularyChanged {
		t.Errorf("diff = %+v", gotDiff)
	}
	if len(gotDiff.AddedTerms) != 1 || gotDiff.AddedTerms[0] != "banana" {
		t.Errorf("AddedTerms = %v", gotDiff.AddedTerms)
	}
	if len(gotDiff.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v, want none", gotDiff.RestartRequired)
	}
	if w.Current().Server.LogLevel != config.LogDebug {
		t.Errorf("Current() log_level: got %q", w.Current().Server.LogLevel)
	}
}

func TestWatcher_InvalidFileKeepsOldConfig(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	var mu sync.Mutex
	callCount := 0

	w, err := config.NewWatcher(cfgPath, func(*config.Config, *config.Config, config.ConfigDiff) {
		mu.Lock()
		callCount++
		mu.Unlock()
	}, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	startWatcher(t, w)

	writeFile(t, cfgPath, watcherInvalidYAML)
	bumpMtime(t, cfgPath)
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	calls := callCount
	mu.Unlock()
	if calls != 0 {
		t.Errorf("callback should not be called for invalid config, got %d calls", calls)
	}
	if cur := w.Current(); cur.Server.LogLevel != config.LogInfo {
		t.Errorf("Current() should still have old config, got log_level=%q", cur.Server.LogLevel)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher("/nonexistent/path.yaml", nil); err == nil {
		t.Fatal("expected error for non-existent file, got nil")
	}
}

func TestWatcher_RunStopsOnCancel(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	w, err := config.NewWatcher(cfgPath, nil, config.WithInterval(time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.Run(ctx); err != nil {
		t.Errorf("Run() = %v, want nil", err)
	}
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	var mu sync.Mutex
	callCount := 0

	w, err := config.NewWatcher(cfgPath, func(*config.Config, *config.Config, config.ConfigDiff) {
		mu.Lock()
		callCount++
		mu.Unlock()
	}, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	startWatcher(t, w)

	bumpMtime(t, cfgPath)
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	calls := callCount
	mu.Unlock()
	if calls != 0 {
		t.Errorf("callback should not fire for touch-only, got %d calls", calls)
	}
}
