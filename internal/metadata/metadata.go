// Package metadata implements the daemon metadata store (spec.md §3
// "Daemon metadata record", §4.1): an ownership-verified, atomically
// written on-disk record of the live daemon for a given namespace.
package metadata

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	schemaVersion = 1
	fileMode      = 0o600
)

// Record is the daemon metadata record (spec.md §3).
type Record struct {
	SchemaVersion int       `json:"schemaVersion"`
	Pid           int       `json:"pid"`
	Host          string    `json:"host"`
	Port          int       `json:"port"`
	Token         string    `json:"token"`
	StartedAt     time.Time `json:"startedAt"`
}

// Store reads/writes daemon.json under one namespace root.
type Store struct {
	path string
}

// New returns a Store for namespaceRoot's daemon.json (spec.md §6
// "Persisted state layout").
func New(namespaceRoot string) *Store {
	return &Store{path: filepath.Join(namespaceRoot, "daemon.json")}
}

// Read returns the current record, or nil if absent or invalid. Any
// failure mode other than "file does not exist" removes the offending
// record so the next starter is not wedged (spec.md §4.1).
func (s *Store) Read() (*Record, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		_ = s.Remove()
		return nil, fmt.Errorf("read metadata: %w", err)
	}

	if ok, reason := checkOwnership(s.path); !ok {
		log.Warn().Str("path", s.path).Str("reason", reason).Msg("metadata ownership/permission check failed, removing")
		_ = s.Remove()
		return nil, nil
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		log.Warn().Str("path", s.path).Err(err).Msg("metadata record unparseable, removing")
		_ = s.Remove()
		return nil, nil
	}

	return &rec, nil
}

// WriteAtomic writes rec to a temp file in the same directory and renames
// it into place, so readers never observe a partial write. The file is
// created with owner-only mode and the mode is re-applied after rename to
// guard against an umask widening it.
func (s *Store) WriteAtomic(rec *Record) error {
	rec.SchemaVersion = schemaVersion

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create namespace dir: %w", err)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "daemon.json.tmp-*")
	if err != nil {
		return fmt.Errorf("create temp metadata file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp metadata file: %w", err)
	}
	if err := tmp.Chmod(fileMode); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("chmod temp metadata file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp metadata file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename metadata into place: %w", err)
	}

	if err := os.Chmod(s.path, fileMode); err != nil {
		log.Warn().Str("path", s.path).Err(err).Msg("failed to re-apply owner-only mode after rename")
	}

	return nil
}

// Remove deletes the metadata record, tolerating its absence.
func (s *Store) Remove() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove metadata: %w", err)
	}
	return nil
}

// IsOwnedBy reports whether rec identifies the given pid+token pair — used
// by the daemon worker's shutdown cleanup (spec.md §4.7 "Ownership
// cleanup": only remove metadata that still identifies this worker).
func (r *Record) IsOwnedBy(pid int, token string) bool {
	return r != nil && r.Pid == pid && r.Token == token
}
