// Package hygiene implements the namespace hygiene sweeper (spec.md §4.10):
// periodic and opportunistic scans that remove stale daemon metadata and
// start-lock files across an agent namespace and its sub-namespaces.
package hygiene

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/surfwright/surfwright/internal/metadata"
	"github.com/surfwright/surfwright/internal/startlock"
)

// sweepConcurrency bounds how many namespace directories one Sweep visits
// in parallel, so a namespace root with many agents/<id> sub-namespaces
// doesn't open hundreds of files at once.
const sweepConcurrency = 8

// Report is a structured sweep outcome (spec.md §4.10: "scanned/kept/removed
// plus per-reason counters").
type Report struct {
	Scanned                int
	Kept                   int
	RemovedMetadataDeadPid int
	RemovedMetadataBadPerm int
	RemovedStaleLock       int
}

// Removed is the total removal count across all reasons.
func (r Report) Removed() int {
	return r.RemovedMetadataDeadPid + r.RemovedMetadataBadPerm + r.RemovedStaleLock
}

// Config bounds one sweep.
type Config struct {
	// StaleLockWindow is the age past which a start-lock with a dead owner
	// is considered reclaimable.
	StaleLockWindow time.Duration
	// PidAlive reports whether a pid still identifies a running process.
	PidAlive func(pid int) bool
	// MaxSubNamespaces bounds how many agents/<id> directories one sweep
	// will visit (spec.md §4.10: "a bounded list of sub-namespaces").
	MaxSubNamespaces int
}

// Sweeper runs periodic and opportunistic hygiene sweeps over one
// namespace root.
type Sweeper struct {
	root   string
	cfg    Config
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New builds a Sweeper rooted at namespaceRoot.
func New(namespaceRoot string, cfg Config) *Sweeper {
	if cfg.PidAlive == nil {
		cfg.PidAlive = defaultPidAlive
	}
	if cfg.MaxSubNamespaces <= 0 {
		cfg.MaxSubNamespaces = 256
	}
	return &Sweeper{root: namespaceRoot, cfg: cfg, stopCh: make(chan struct{})}
}

// Start runs periodic sweeps every interval until Stop is called.
func (s *Sweeper) Start(interval time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				report := s.Sweep()
				if report.Removed() > 0 {
					log.Info().
						Int("scanned", report.Scanned).
						Int("kept", report.Kept).
						Int("removed", report.Removed()).
						Msg("hygiene sweep")
				}
			}
		}
	}()
}

// Stop ends the periodic sweep goroutine, idempotently.
func (s *Sweeper) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Sweep performs one scan of the namespace root and its sub-namespaces.
// Idempotent: a second call against unchanged state yields a Report with
// Removed()==0 (spec.md §8 "Hygiene sweep is idempotent").
func (s *Sweeper) Sweep() Report {
	dirs := s.namespaceDirs()

	var mu sync.Mutex
	var report Report

	g, _ := errgroup.WithContext(context.Background())
	g.SetLimit(sweepConcurrency)
	for _, ns := range dirs {
		ns := ns
		g.Go(func() error {
			var partial Report
			s.sweepOne(ns, &partial)
			mu.Lock()
			mergeReport(&report, partial)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return report
}

func mergeReport(dst *Report, src Report) {
	dst.Scanned += src.Scanned
	dst.Kept += src.Kept
	dst.RemovedMetadataDeadPid += src.RemovedMetadataDeadPid
	dst.RemovedMetadataBadPerm += src.RemovedMetadataBadPerm
	dst.RemovedStaleLock += src.RemovedStaleLock
}

func (s *Sweeper) namespaceDirs() []string {
	dirs := []string{s.root}

	agentsDir := filepath.Join(s.root, "agents")
	entries, err := os.ReadDir(agentsDir)
	if err != nil {
		return dirs
	}
	count := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if count >= s.cfg.MaxSubNamespaces {
			break
		}
		dirs = append(dirs, filepath.Join(agentsDir, e.Name()))
		count++
	}
	return dirs
}

func (s *Sweeper) sweepOne(namespaceRoot string, report *Report) {
	report.Scanned++
	kept := true

	metadataPath := filepath.Join(namespaceRoot, "daemon.json")
	_, existedBeforeRead := os.Stat(metadataPath)
	existed := existedBeforeRead == nil

	store := metadata.New(namespaceRoot)
	rec, err := store.Read()
	switch {
	case err == nil && rec != nil:
		// store.Read already removed anything with bad permissions/owner
		// uid; here we additionally retire records whose owner process is
		// no longer alive.
		if !s.cfg.PidAlive(rec.Pid) {
			_ = store.Remove()
			report.RemovedMetadataDeadPid++
			kept = false
		}
	case err == nil && rec == nil && existed:
		// Read() removed it itself (bad permissions/owner/unparseable).
		report.RemovedMetadataBadPerm++
		kept = false
	}

	lock := startlock.New(namespaceRoot)
	if rec, err := lock.Read(); err == nil && rec != nil {
		if startlock.IsStale(rec, s.cfg.StaleLockWindow, s.cfg.PidAlive) {
			_ = lock.Remove()
			report.RemovedStaleLock++
			kept = false
		}
	}

	if kept {
		report.Kept++
	}
}

