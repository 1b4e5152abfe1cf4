package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/surfwright/surfwright/internal/lanescheduler"
)

func baseConfig() lanescheduler.Config {
	return lanescheduler.Config{DepthCap: 10, WaitBudget: time.Second, GlobalActiveLanes: 4}
}

func TestStartWithNoPathKeepsBase(t *testing.T) {
	m := New("", nil, baseConfig())
	m.Start(false)
	if m.Current() != baseConfig() {
		t.Errorf("expected base config unchanged, got %+v", m.Current())
	}
}

func TestStartLoadsOverridesFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lanes.yaml")
	if err := os.WriteFile(path, []byte("depthCap: 25\nwaitBudget: 2s\n"), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	sched := lanescheduler.New(baseConfig(), lanescheduler.NopMetrics)
	m := New(path, sched, baseConfig())
	m.Start(false)

	got := m.Current()
	if got.DepthCap != 25 {
		t.Errorf("expected depthCap 25, got %d", got.DepthCap)
	}
	if got.WaitBudget != 2*time.Second {
		t.Errorf("expected waitBudget 2s, got %v", got.WaitBudget)
	}
	if got.GlobalActiveLanes != baseConfig().GlobalActiveLanes {
		t.Errorf("expected unset globalActiveLanes to fall back to base, got %d", got.GlobalActiveLanes)
	}
}

func TestInvalidFileFallsBackToBase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lanes.yaml")
	if err := os.WriteFile(path, []byte("not: [valid yaml"), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	m := New(path, nil, baseConfig())
	m.Start(false)

	if m.Current() != baseConfig() {
		t.Errorf("expected base config on parse failure, got %+v", m.Current())
	}
}

func TestHotReloadPicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lanes.yaml")
	if err := os.WriteFile(path, []byte("depthCap: 5\n"), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	sched := lanescheduler.New(baseConfig(), lanescheduler.NopMetrics)
	m := New(path, sched, baseConfig())
	m.Start(true)
	defer m.Close()

	if m.Current().DepthCap != 5 {
		t.Fatalf("expected initial depthCap 5, got %d", m.Current().DepthCap)
	}

	if err := os.WriteFile(path, []byte("depthCap: 50\n"), 0o600); err != nil {
		t.Fatalf("rewrite failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Current().DepthCap == 50 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Errorf("expected hot-reload to pick up depthCap 50, got %d", m.Current().DepthCap)
}
