// Package runtimepool implements the session runtime pool (spec.md §4.5):
// warm/leased/retired browser runtime connections keyed by session, with
// no-double-warm collapse and an authority lock that prevents a session key
// from being rebound to a different CDP origin.
package runtimepool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/surfwright/surfwright/internal/errs"
	"github.com/surfwright/surfwright/internal/runtime"
)

type state int

const (
	stateWarming state = iota
	stateReady
	stateLeased
	stateRetiring
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateWarming:
		return "warming"
	case stateReady:
		return "ready"
	case stateLeased:
		return "leased"
	case stateRetiring:
		return "retiring"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// entry is one session runtime pool slot, each with its own state mutex
// (spec.md §5: "each entry has its own state mutex; the pool map itself is
// mutex-guarded for insert/remove/snapshot only").
type entry struct {
	mu              sync.Mutex
	key             string
	authorityOrigin string
	runtime         runtime.Runtime
	state           state
	borrowCount     int
	timeoutBurn     int
}

// Lease is returned by Acquire. Release is idempotent.
type Lease struct {
	Runtime runtime.Runtime
	Pooled  bool

	pool      *Pool
	entry     *entry
	oneOff    bool
	released  bool
	releaseMu sync.Mutex
}

// Release returns the runtime to the pool (or closes it, for a one-off
// lease). Safe to call more than once.
func (l *Lease) Release() {
	l.releaseMu.Lock()
	defer l.releaseMu.Unlock()
	if l.released {
		return
	}
	l.released = true

	if l.oneOff {
		if l.Runtime != nil {
			_ = l.Runtime.Close()
		}
		return
	}

	l.pool.release(l.entry)
}

// Pool is the session runtime pool (spec.md §3 "Session runtime entry").
type Pool struct {
	mu          sync.Mutex
	entries     map[string]*entry
	maxEntries  int
	burnLimit   int
	connector   runtime.Connector
	warmGroup   singleflight.Group
}

// Config bounds the pool.
type Config struct {
	MaxEntries int
	// TimeoutBurnLimit is the timeoutBurnCount threshold after which the
	// entry is hard-closed before its next warm (spec.md §4.5).
	TimeoutBurnLimit int
}

// New builds a Pool around connector, the thing that actually opens CDP
// connections (internal/runtime.RodConnector in production).
func New(cfg Config, connector runtime.Connector) *Pool {
	return &Pool{
		entries:    make(map[string]*entry),
		maxEntries: cfg.MaxEntries,
		burnLimit:  cfg.TimeoutBurnLimit,
		connector:  connector,
	}
}

// AcquireParams names an acquire request (spec.md §4.5 `acquire`).
type AcquireParams struct {
	SessionID string
	CDPOrigin string
	Timeout   time.Duration
}

// Acquire leases a runtime for sessionId, connecting it if necessary.
// Concurrent acquires on the same key collapse onto one underlying connect
// (no double-warm). An acquire with an origin that conflicts with the key's
// bound authority origin fails with errs.ErrSessionMismatch.
func (p *Pool) Acquire(ctx context.Context, params AcquireParams) (*Lease, error) {
	key := "session:" + params.SessionID

	if params.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, params.Timeout)
		defer cancel()
	}

	p.mu.Lock()
	e, exists := p.entries[key]
	if exists {
		e.mu.Lock()
		if e.authorityOrigin != "" && e.authorityOrigin != params.CDPOrigin {
			origin, bound := params.CDPOrigin, e.authorityOrigin
			e.mu.Unlock()
			p.mu.Unlock()
			return nil, errs.NewMismatchError(params.SessionID, bound, origin)
		}
		e.mu.Unlock()
		p.mu.Unlock()
		return p.acquireExisting(ctx, e, params)
	}

	if len(p.entries) >= p.maxEntries {
		p.mu.Unlock()
		return p.acquireOneOff(ctx, params)
	}

	e = &entry{key: key, authorityOrigin: params.CDPOrigin, state: stateWarming}
	p.entries[key] = e
	p.mu.Unlock()

	return p.warmAndLease(ctx, e, params, true)
}

// acquireExisting waits out a concurrent warm or leases a ready entry.
func (p *Pool) acquireExisting(ctx context.Context, e *entry, params AcquireParams) (*Lease, error) {
	e.mu.Lock()
	switch e.state {
	case stateReady:
		e.state = stateLeased
		e.borrowCount++
		rt := e.runtime
		e.mu.Unlock()
		return &Lease{Runtime: rt, Pooled: true, pool: p, entry: e}, nil
	case stateLeased:
		// Already leased elsewhere; the authority key is still bound to
		// one origin, but concurrent leases on the same busy session are
		// served uncached until the holder releases, matching "one-off
		// spillover" semantics for momentarily-busy entries.
		e.mu.Unlock()
		return p.acquireOneOff(ctx, params)
	case stateWarming, stateRetiring, stateClosed:
		e.mu.Unlock()
		return p.warmAndLease(ctx, e, params, false)
	default:
		e.mu.Unlock()
		return p.acquireOneOff(ctx, params)
	}
}

// warmAndLease collapses concurrent warms via singleflight, then leases the
// freshly warmed entry.
func (p *Pool) warmAndLease(ctx context.Context, e *entry, params AcquireParams, isNew bool) (*Lease, error) {
	v, err, _ := p.warmGroup.Do(e.key, func() (interface{}, error) {
		e.mu.Lock()
		e.state = stateWarming
		e.mu.Unlock()

		rt, connErr := p.connector.Connect(ctx, params.CDPOrigin)
		if connErr != nil {
			e.mu.Lock()
			e.state = stateClosed
			e.mu.Unlock()
			p.removeIfClosed(e)
			return nil, connErr
		}

		e.mu.Lock()
		e.runtime = rt
		e.authorityOrigin = params.CDPOrigin
		e.state = stateReady
		e.mu.Unlock()
		return rt, nil
	})
	if err != nil {
		return nil, fmt.Errorf("warm session runtime: %w", err)
	}

	e.mu.Lock()
	if e.state == stateReady {
		e.state = stateLeased
		e.borrowCount++
	}
	rt := e.runtime
	e.mu.Unlock()

	_ = v
	return &Lease{Runtime: rt, Pooled: true, pool: p, entry: e}, nil
}

// acquireOneOff connects a fresh, uncached runtime — spec.md §4.5 "one-off
// spillover" for when maxEntries is reached and all entries are busy, or an
// entry is momentarily unavailable.
func (p *Pool) acquireOneOff(ctx context.Context, params AcquireParams) (*Lease, error) {
	rt, err := p.connector.Connect(ctx, params.CDPOrigin)
	if err != nil {
		return nil, fmt.Errorf("one-off connect: %w", err)
	}
	return &Lease{Runtime: rt, Pooled: false, pool: p, oneOff: true}, nil
}

// release decrements borrowCount and closes a retiring, unborrowed entry.
func (p *Pool) release(e *entry) {
	e.mu.Lock()
	if e.borrowCount > 0 {
		e.borrowCount--
	}
	if e.state == stateLeased {
		e.state = stateReady
	}
	shouldClose := e.state == stateRetiring && e.borrowCount == 0
	var rt runtime.Runtime
	if shouldClose {
		rt = e.runtime
		e.state = stateClosed
	}
	e.mu.Unlock()

	if shouldClose {
		if rt != nil {
			_ = rt.Close()
		}
		p.removeIfClosed(e)
	}
}

// WithLease runs fn with a leased runtime, guaranteeing Release on every
// exit path including a panic inside fn (spec.md §4.5 `withLease`).
func (p *Pool) WithLease(ctx context.Context, params AcquireParams, fn func(rt runtime.Runtime, pooled bool) error) (err error) {
	lease, err := p.Acquire(ctx, params)
	if err != nil {
		return err
	}
	defer lease.Release()
	return fn(lease.Runtime, lease.Pooled)
}

// HandleTimeout records that a surrounding request timed out by
// incrementing key's timeoutBurnCount (spec.md §4.5 `handleTimeout`). Below
// the configured burn threshold the entry stays in service unchanged; once
// the threshold is reached it is marked retiring, and its runtime is closed
// at once if no lease holds it, otherwise on the last release.
func (p *Pool) HandleTimeout(sessionID string, bestEffortCancel bool) {
	key := "session:" + sessionID
	p.mu.Lock()
	e, ok := p.entries[key]
	p.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	e.timeoutBurn++
	burst := e.timeoutBurn >= p.burnLimit
	if burst {
		e.state = stateRetiring
	}
	shouldCloseNow := burst && e.borrowCount == 0
	var rt runtime.Runtime
	if shouldCloseNow {
		rt = e.runtime
		e.state = stateClosed
	}
	e.mu.Unlock()

	if shouldCloseNow && rt != nil {
		_ = rt.Close()
		p.removeIfClosed(e)
	}
}

func (p *Pool) removeIfClosed(e *entry) {
	e.mu.Lock()
	closed := e.state == stateClosed
	key := e.key
	e.mu.Unlock()
	if !closed {
		return
	}
	p.mu.Lock()
	if cur, ok := p.entries[key]; ok && cur == e {
		delete(p.entries, key)
	}
	p.mu.Unlock()
}

// EntrySnapshot is a read-only view of one pool entry, for tests/diagnostics
// (spec.md §4.5 `snapshot`).
type EntrySnapshot struct {
	Key             string
	State           string
	BorrowCount     int
	AuthorityOrigin string
	TimeoutBurn     int
}

// Snapshot returns the current state of every live entry.
func (p *Pool) Snapshot() []EntrySnapshot {
	p.mu.Lock()
	keys := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		keys = append(keys, e)
	}
	p.mu.Unlock()

	out := make([]EntrySnapshot, 0, len(keys))
	for _, e := range keys {
		e.mu.Lock()
		out = append(out, EntrySnapshot{
			Key:             e.key,
			State:           e.state.String(),
			BorrowCount:     e.borrowCount,
			AuthorityOrigin: e.authorityOrigin,
			TimeoutBurn:     e.timeoutBurn,
		})
		e.mu.Unlock()
	}
	return out
}
