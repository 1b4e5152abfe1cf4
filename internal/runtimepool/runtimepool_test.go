package runtimepool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-rod/rod"

	"github.com/surfwright/surfwright/internal/errs"
	"github.com/surfwright/surfwright/internal/runtime"
)

// fakeConnector counts how many times Connect actually runs, to verify the
// no-double-warm invariant (spec.md §8).
type fakeConnector struct {
	mu        sync.Mutex
	callCount int
	delay     time.Duration
	failNext  bool
}

func (c *fakeConnector) Connect(ctx context.Context, cdpOrigin string) (runtime.Runtime, error) {
	c.mu.Lock()
	c.callCount++
	fail := c.failNext
	c.mu.Unlock()

	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	if fail {
		return nil, errors.New("connect failed")
	}
	return &stubRuntime{origin: cdpOrigin}, nil
}

func (c *fakeConnector) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callCount
}

type stubRuntime struct {
	origin string
	closed atomic.Bool
}

func (s *stubRuntime) Origin() string        { return s.origin }
func (s *stubRuntime) Browser() *rod.Browser { return nil }
func (s *stubRuntime) Close() error {
	s.closed.Store(true)
	return nil
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	connector := &fakeConnector{}
	p := New(Config{MaxEntries: 8, TimeoutBurnLimit: 3}, connector)

	lease, err := p.Acquire(context.Background(), AcquireParams{SessionID: "s-1", CDPOrigin: "http://origin-a"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !lease.Pooled {
		t.Error("expected first acquire to be pooled")
	}
	lease.Release()
	lease.Release() // idempotent

	if connector.calls() != 1 {
		t.Errorf("expected exactly one connect, got %d", connector.calls())
	}
}

func TestAuthorityLockRejectsMismatchedOrigin(t *testing.T) {
	connector := &fakeConnector{}
	p := New(Config{MaxEntries: 8, TimeoutBurnLimit: 3}, connector)

	lease, err := p.Acquire(context.Background(), AcquireParams{SessionID: "s-1", CDPOrigin: "http://origin-a"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	lease.Release()

	_, err = p.Acquire(context.Background(), AcquireParams{SessionID: "s-1", CDPOrigin: "http://origin-b"})
	if !errors.Is(err, errs.ErrSessionMismatch) {
		t.Errorf("expected session mismatch error, got %v", err)
	}
}

// TestConcurrentAcquiresCollapseIntoOneConnect mirrors spec.md §8: two
// concurrent acquires on the same key with identical origin run the
// underlying connect function exactly once.
func TestConcurrentAcquiresCollapseIntoOneConnect(t *testing.T) {
	connector := &fakeConnector{delay: 40 * time.Millisecond}
	p := New(Config{MaxEntries: 8, TimeoutBurnLimit: 3}, connector)

	var wg sync.WaitGroup
	leases := make([]*Lease, 2)
	errsOut := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			leases[i], errsOut[i] = p.Acquire(context.Background(), AcquireParams{SessionID: "s-1", CDPOrigin: "http://origin-a"})
		}(i)
	}
	wg.Wait()

	for _, e := range errsOut {
		if e != nil {
			t.Fatalf("unexpected error: %v", e)
		}
	}
	if connector.calls() != 1 {
		t.Errorf("expected exactly one underlying connect, got %d", connector.calls())
	}
	for _, l := range leases {
		if l != nil {
			l.Release()
		}
	}
}

func TestOneOffSpilloverWhenMaxEntriesReached(t *testing.T) {
	connector := &fakeConnector{}
	p := New(Config{MaxEntries: 1, TimeoutBurnLimit: 3}, connector)

	lease1, err := p.Acquire(context.Background(), AcquireParams{SessionID: "s-1", CDPOrigin: "http://origin-a"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer lease1.Release()

	lease2, err := p.Acquire(context.Background(), AcquireParams{SessionID: "s-2", CDPOrigin: "http://origin-b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lease2.Pooled {
		t.Error("expected spillover acquire to report pooled=false")
	}
	lease2.Release()
}

func TestHandleTimeoutRetiresAfterBurnLimit(t *testing.T) {
	connector := &fakeConnector{}
	p := New(Config{MaxEntries: 8, TimeoutBurnLimit: 2}, connector)

	lease, err := p.Acquire(context.Background(), AcquireParams{SessionID: "s-1", CDPOrigin: "http://origin-a"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	lease.Release()

	p.HandleTimeout("s-1", true)
	p.HandleTimeout("s-1", true)

	snap := p.Snapshot()
	if len(snap) != 0 {
		t.Errorf("expected entry to be closed and removed after burn limit, got %+v", snap)
	}
}
