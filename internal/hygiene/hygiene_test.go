package hygiene

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/surfwright/surfwright/internal/metadata"
	"github.com/surfwright/surfwright/internal/startlock"
)

func alwaysAlive(int) bool { return true }
func neverAlive(int) bool  { return false }

func TestSweepRemovesMetadataWithDeadOwner(t *testing.T) {
	dir := t.TempDir()
	store := metadata.New(dir)
	if err := store.WriteAtomic(&metadata.Record{Pid: 999999, Token: "t"}); err != nil {
		t.Fatalf("WriteAtomic failed: %v", err)
	}

	s := New(dir, Config{StaleLockWindow: time.Second, PidAlive: neverAlive})
	report := s.Sweep()

	if report.RemovedMetadataDeadPid != 1 {
		t.Errorf("expected 1 dead-pid removal, got %d", report.RemovedMetadataDeadPid)
	}
	if got, _ := store.Read(); got != nil {
		t.Error("expected metadata to be gone after sweep")
	}
}

func TestSweepKeepsMetadataWithLiveOwner(t *testing.T) {
	dir := t.TempDir()
	store := metadata.New(dir)
	if err := store.WriteAtomic(&metadata.Record{Pid: os.Getpid(), Token: "t"}); err != nil {
		t.Fatalf("WriteAtomic failed: %v", err)
	}

	s := New(dir, Config{StaleLockWindow: time.Second, PidAlive: alwaysAlive})
	report := s.Sweep()

	if report.Removed() != 0 {
		t.Errorf("expected no removals, got %+v", report)
	}
	if report.Kept != 1 {
		t.Errorf("expected 1 kept namespace, got %d", report.Kept)
	}
}

func TestSweepRemovesStaleStartLock(t *testing.T) {
	dir := t.TempDir()

	data, err := json.Marshal(startlock.Record{Pid: 999999, CreatedAt: time.Now().Add(-time.Hour)})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "daemon.start.lock"), data, 0o600); err != nil {
		t.Fatalf("seed lock failed: %v", err)
	}

	s := New(dir, Config{StaleLockWindow: time.Millisecond, PidAlive: neverAlive})
	report := s.Sweep()

	if report.RemovedStaleLock != 1 {
		t.Errorf("expected 1 stale-lock removal, got %d", report.RemovedStaleLock)
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	store := metadata.New(dir)
	_ = store.WriteAtomic(&metadata.Record{Pid: os.Getpid(), Token: "t"})

	s := New(dir, Config{StaleLockWindow: time.Second, PidAlive: alwaysAlive})
	first := s.Sweep()
	second := s.Sweep()

	if first.Kept != second.Kept || first.Removed() != second.Removed() {
		t.Errorf("expected idempotent sweep results, got %+v then %+v", first, second)
	}
}

func TestSweepVisitsSubNamespaces(t *testing.T) {
	root := t.TempDir()
	agentDir := filepath.Join(root, "agents", "agent-1")
	if err := os.MkdirAll(agentDir, 0o700); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	store := metadata.New(agentDir)
	_ = store.WriteAtomic(&metadata.Record{Pid: 999999, Token: "t"})

	s := New(root, Config{StaleLockWindow: time.Second, PidAlive: neverAlive})
	report := s.Sweep()

	if report.Scanned < 2 {
		t.Errorf("expected root + sub-namespace scanned, got %d", report.Scanned)
	}
	if report.RemovedMetadataDeadPid != 1 {
		t.Errorf("expected the sub-namespace's metadata to be removed, got %d", report.RemovedMetadataDeadPid)
	}
}

func TestStartStopRunsPeriodicSweeps(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, Config{StaleLockWindow: time.Second, PidAlive: alwaysAlive})
	s.Start(5 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	s.Stop()
}
