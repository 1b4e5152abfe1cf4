package reqcontext

import (
	"sync"
	"testing"
	"time"
)

func TestGetSetRecognizedOverrides(t *testing.T) {
	rc := New("agent-1", "/ws", ShapeFull, false, "auto")

	if v, ok := rc.Get("AGENT_ID"); !ok || v != "agent-1" {
		t.Errorf("expected AGENT_ID 'agent-1', got %q ok=%v", v, ok)
	}

	rc.Set("OUTPUT_SHAPE", "compact")
	if rc.OutputShape() != ShapeCompact {
		t.Errorf("expected OUTPUT_SHAPE 'compact', got %q", rc.OutputShape())
	}

	if _, ok := rc.Get("NOT_A_REAL_OVERRIDE"); ok {
		t.Error("expected unknown override name to report ok=false")
	}
}

func TestExitCodeIsRequestLocal(t *testing.T) {
	a := New("agent-a", "", ShapeFull, false, "auto")
	b := New("agent-b", "", ShapeFull, false, "auto")

	a.SetExitCode(1)
	b.SetExitCode(0)

	if a.ExitCode() != 1 {
		t.Errorf("expected scope a exit code 1, got %d", a.ExitCode())
	}
	if b.ExitCode() != 0 {
		t.Errorf("expected scope b exit code 0, got %d", b.ExitCode())
	}
}

// TestConcurrentScopesDoNotObserveEachOther exercises the invariant from
// spec.md §8: concurrent requests with different OUTPUT_SHAPE/AGENT_ID/
// WORKSPACE_DIR never observe each other's values.
func TestConcurrentScopesDoNotObserveEachOther(t *testing.T) {
	const n = 20
	var wg sync.WaitGroup
	results := make([]string, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			agentID := "agent-" + string(rune('A'+i%26))
			rc := New(agentID, "", ShapeFull, false, "auto")
			rc.Set("WORKSPACE_DIR", agentID+"-workspace")
			time.Sleep(2 * time.Millisecond)
			results[i] = rc.WorkspaceDir()
		}(i)
	}
	wg.Wait()

	for i, got := range results {
		want := "agent-" + string(rune('A'+i%26)) + "-workspace"
		if got != want {
			t.Errorf("goroutine %d: expected workspace %q, got %q", i, want, got)
		}
	}
}

func TestSnapshotIsImmutableCopy(t *testing.T) {
	rc := New("agent-1", "/ws", ShapeFull, true, "auto")
	snap := rc.Snapshot()

	rc.Set("AGENT_ID", "agent-2")

	if snap.AgentID != "agent-1" {
		t.Errorf("expected snapshot to retain original AgentID, got %q", snap.AgentID)
	}
	if rc.AgentID() != "agent-2" {
		t.Errorf("expected live context to reflect mutation, got %q", rc.AgentID())
	}
}
