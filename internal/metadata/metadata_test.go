package metadata

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWriteAtomicThenRead(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	rec := &Record{Pid: os.Getpid(), Host: "127.0.0.1", Port: 9222, Token: "deadbeef", StartedAt: time.Now()}
	if err := s.WriteAtomic(rec); err != nil {
		t.Fatalf("WriteAtomic failed: %v", err)
	}

	got, err := s.Read()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected a record, got nil")
	}
	if got.Pid != rec.Pid || got.Port != rec.Port || got.Token != rec.Token {
		t.Errorf("expected round-tripped record to match, got %+v", got)
	}
	if got.SchemaVersion != schemaVersion {
		t.Errorf("expected schema version %d, got %d", schemaVersion, got.SchemaVersion)
	}
}

func TestReadMissingReturnsNil(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	got, err := s.Read()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing record, got %+v", got)
	}
}

func TestWriteAtomicSetsOwnerOnlyMode(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	if err := s.WriteAtomic(&Record{Pid: os.Getpid(), Token: "t"}); err != nil {
		t.Fatalf("WriteAtomic failed: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, "daemon.json"))
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		t.Errorf("expected owner-only mode, got %v", info.Mode().Perm())
	}
}

func TestReadRemovesFileWithLoosePermissions(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	if err := s.WriteAtomic(&Record{Pid: os.Getpid(), Token: "t"}); err != nil {
		t.Fatalf("WriteAtomic failed: %v", err)
	}
	path := filepath.Join(dir, "daemon.json")
	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatalf("chmod failed: %v", err)
	}

	got, err := s.Read()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Error("expected a loosely-permissioned record to be rejected")
	}
	if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
		t.Error("expected the offending file to be removed")
	}
}

func TestIsOwnedBy(t *testing.T) {
	rec := &Record{Pid: 123, Token: "abc"}
	if !rec.IsOwnedBy(123, "abc") {
		t.Error("expected IsOwnedBy to match identical pid+token")
	}
	if rec.IsOwnedBy(123, "xyz") {
		t.Error("expected IsOwnedBy to reject a different token")
	}
	if rec.IsOwnedBy(999, "abc") {
		t.Error("expected IsOwnedBy to reject a different pid")
	}
}

func TestRemoveToleratesMissingFile(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	if err := s.Remove(); err != nil {
		t.Errorf("expected Remove on missing file to be a no-op, got %v", err)
	}
}
