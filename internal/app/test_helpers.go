package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/vk/bootstrapgo/internal/config"
	"github.com/vk/bootstrapgo/internal/registry"
)

// SafeBuffer is a thread-safe buffer for capturing log output in tests.
type SafeBuffer struct {
	b  bytes.Buffer
	mu sync.Mutex
}

func (b *SafeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Write(p)
}

func (b *SafeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}

// StaticLoader hands out a prepared settings model instead of parsing files.
type StaticLoader struct {
	Model *config.Model
	Err   error
}

func (l *StaticLoader) Load(context.Context, ...string) (*config.Model, error) {
	return l.Model, l.Err
}

// UseTempDirs points every on-disk location of cfg below root, so runs in
// parallel tests never share a work area, cache or graph.
func UseTempDirs(cfg *Config, root string) *Config {
	cfg.WorkDir = filepath.Join(root, "work")
	cfg.CacheDir = filepath.Join(root, "cache")
	if cfg.GraphPath == "" {
		cfg.GraphPath = filepath.Join(root, "graph.json")
	}
	return cfg
}

// SetupAppTest creates an app at debug level whose log output is captured.
// Set BOOTSTRAPGO_TEST_LOGS=true to print it after the test.
func SetupAppTest(t *testing.T, cfg *Config, loader config.Loader, modules ...registry.Module) (*App, *SafeBuffer) {
	t.Helper()

	logs := &SafeBuffer{}
	cfg.LogLevel = "debug"
	a := NewApp(logs, cfg, loader, modules...)

	t.Cleanup(func() {
		if os.Getenv("BOOTSTRAPGO_TEST_LOGS") == "true" {
			t.Logf("--- Run log for %s (phase %s) ---\n%s", t.Name(), a.currentPhase(), logs.String())
		}
	})
	return a, logs
}
