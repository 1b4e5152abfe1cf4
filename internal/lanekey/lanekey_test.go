package lanekey

import "testing"

func TestResolveSessionIDWins(t *testing.T) {
	r := Resolve([]string{"contract", "--session", "s-1", "req-1"})
	if r.LaneKey != "session:s-1" {
		t.Errorf("expected lane key 'session:s-1', got %q", r.LaneKey)
	}
	if r.Source != SourceSessionID {
		t.Errorf("expected source sessionId, got %q", r.Source)
	}
}

func TestResolveSessionAttachHashesOrigin(t *testing.T) {
	r := Resolve([]string{"session.attach", "--cdp-origin", "http://127.0.0.1:9222"})
	if r.Family != FamilySessionAttach {
		t.Errorf("expected family session.attach, got %q", r.Family)
	}
	if len(r.LaneKey) != len("origin:")+12 {
		t.Errorf("expected 12 hex char hash suffix, got %q", r.LaneKey)
	}
	if r.LaneKey == "origin:http://127.0.0.1:9222" {
		t.Error("lane key must not contain the raw CDP origin")
	}
}

func TestResolveOpenWithSharedFlag(t *testing.T) {
	r := Resolve([]string{"open", "--shared", "https://example.com"})
	if r.LaneKey != "origin:shared" {
		t.Errorf("expected lane key 'origin:shared', got %q", r.LaneKey)
	}
}

func TestResolveOpenWithProfile(t *testing.T) {
	r := Resolve([]string{"open", "--profile", "work-profile"})
	if r.LaneKey != "origin:profile:work-profile" {
		t.Errorf("expected lane key 'origin:profile:work-profile', got %q", r.LaneKey)
	}
}

func TestResolveFallsBackToControlLane(t *testing.T) {
	r := Resolve([]string{"version"})
	if r.LaneKey != "control" {
		t.Errorf("expected control lane, got %q", r.LaneKey)
	}
	if r.Source != SourceControl {
		t.Errorf("expected source control, got %q", r.Source)
	}
}

func TestResolveIgnoresGlobalOptionTokens(t *testing.T) {
	r1 := Resolve([]string{"--agent-id", "agent-1", "--output-shape", "compact", "open", "--shared"})
	r2 := Resolve([]string{"open", "--shared"})
	if r1.LaneKey != r2.LaneKey || r1.Family != r2.Family {
		t.Errorf("expected global options to be skipped when scanning for command head, got %+v vs %+v", r1, r2)
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	argv := []string{"contract", "--session", "s-1"}
	a := Resolve(argv)
	b := Resolve(argv)
	if a != b {
		t.Errorf("expected Resolve to be pure: %+v != %+v", a, b)
	}
}

func TestResolveNeverLeaksSecretLikeTokens(t *testing.T) {
	r := Resolve([]string{"session.attach", "--cdp-origin", "http://127.0.0.1:9222?token=shhh"})
	if r.LaneKey == "" {
		t.Fatal("expected a non-empty lane key")
	}
	for _, forbidden := range []string{"token", "shhh", "?"} {
		if containsSubstring(r.LaneKey, forbidden) {
			t.Errorf("lane key %q must not contain %q", r.LaneKey, forbidden)
		}
	}
}

func containsSubstring(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
