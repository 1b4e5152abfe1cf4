package lanescheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/surfwright/surfwright/internal/errs"
)

func defaultConfig() Config {
	return Config{DepthCap: 32, WaitBudget: time.Second, GlobalActiveLanes: 8}
}

// TestSameLaneSerialization mirrors spec.md §8 scenario 1: two tasks on the
// same lane must never overlap.
func TestSameLaneSerialization(t *testing.T) {
	s := New(defaultConfig(), nil)

	var mu sync.Mutex
	var spans [][2]time.Time

	run := func() ExecuteFunc {
		return func(ctx context.Context) error {
			start := time.Now()
			time.Sleep(80 * time.Millisecond)
			end := time.Now()
			mu.Lock()
			spans = append(spans, [2]time.Time{start, end})
			mu.Unlock()
			return nil
		}
	}

	var wg sync.WaitGroup
	taskErrs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			taskErrs[i] = s.Enqueue(context.Background(), "session:s-1", run())
		}(i)
	}
	wg.Wait()

	for _, e := range taskErrs {
		if e != nil {
			t.Fatalf("expected success, got %v", e)
		}
	}
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0][1].After(spans[1][0]) && spans[1][1].After(spans[0][0]) {
		t.Error("expected same-lane spans to not overlap")
	}
}

// TestCrossLaneParallelism mirrors spec.md §8 scenario 2.
func TestCrossLaneParallelism(t *testing.T) {
	s := New(defaultConfig(), nil)

	start := make(chan struct{})
	var mu sync.Mutex
	overlapped := false
	inFlight := 0

	run := func() ExecuteFunc {
		return func(ctx context.Context) error {
			mu.Lock()
			inFlight++
			if inFlight > 1 {
				overlapped = true
			}
			mu.Unlock()
			time.Sleep(90 * time.Millisecond)
			mu.Lock()
			inFlight--
			mu.Unlock()
			return nil
		}
	}

	var wg sync.WaitGroup
	for _, lane := range []string{"session:session-a", "session:session-b"} {
		wg.Add(1)
		go func(lane string) {
			defer wg.Done()
			<-start
			if err := s.Enqueue(context.Background(), lane, run()); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}(lane)
	}
	close(start)
	wg.Wait()

	if !overlapped {
		t.Error("expected cross-lane tasks to overlap")
	}
}

// TestQueueSaturation mirrors spec.md §8 scenario 3.
func TestQueueSaturation(t *testing.T) {
	s := New(Config{DepthCap: 1, WaitBudget: time.Second, GlobalActiveLanes: 1}, nil)

	release := make(chan struct{})
	started := make(chan struct{}, 3)

	first := func(ctx context.Context) error {
		started <- struct{}{}
		<-release
		return nil
	}
	second := func(ctx context.Context) error {
		started <- struct{}{}
		return nil
	}

	var wg sync.WaitGroup
	wg.Add(2)
	var firstErr, secondErr error
	go func() { defer wg.Done(); firstErr = s.Enqueue(context.Background(), "session:s-1", first) }()
	time.Sleep(20 * time.Millisecond) // ensure first is active before second enqueues
	go func() { defer wg.Done(); secondErr = s.Enqueue(context.Background(), "session:s-1", second) }()
	time.Sleep(20 * time.Millisecond) // ensure second is queued before third enqueues

	thirdErr := s.Enqueue(context.Background(), "session:s-1", func(ctx context.Context) error { return nil })
	if !errors.Is(thirdErr, errs.ErrQueueSaturated) {
		t.Errorf("expected third task to be saturated, got %v", thirdErr)
	}

	close(release)
	wg.Wait()

	if firstErr != nil {
		t.Errorf("expected first task to succeed, got %v", firstErr)
	}
	if secondErr != nil {
		t.Errorf("expected second task to succeed, got %v", secondErr)
	}
}

// TestQueueWaitTimeout mirrors spec.md §8 scenario 4.
func TestQueueWaitTimeout(t *testing.T) {
	s := New(Config{DepthCap: 32, WaitBudget: 20 * time.Millisecond, GlobalActiveLanes: 1}, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = s.Enqueue(context.Background(), "session:s-1", func(ctx context.Context) error {
			time.Sleep(80 * time.Millisecond)
			return nil
		})
	}()
	time.Sleep(10 * time.Millisecond) // let the first task become active

	err := s.Enqueue(context.Background(), "session:s-1", func(ctx context.Context) error { return nil })
	if !errors.Is(err, errs.ErrQueueTimeout) {
		t.Errorf("expected queue timeout, got %v", err)
	}

	wg.Wait()
}

func TestEnqueueCancelledContextWhilePending(t *testing.T) {
	s := New(Config{DepthCap: 32, WaitBudget: time.Second, GlobalActiveLanes: 1}, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = s.Enqueue(context.Background(), "session:s-1", func(ctx context.Context) error {
			time.Sleep(100 * time.Millisecond)
			return nil
		})
	}()
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Enqueue(ctx, "session:s-1", func(ctx context.Context) error { return nil })
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()

	err := <-done
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	wg.Wait()
}

func TestLaneGCWhenIdle(t *testing.T) {
	s := New(defaultConfig(), nil)
	if err := s.Enqueue(context.Background(), "session:s-1", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap := s.Snapshot(); len(snap) != 0 {
		t.Errorf("expected idle lane to be garbage-collected, got %+v", snap)
	}
}

func TestHandlerErrorPassesThrough(t *testing.T) {
	s := New(defaultConfig(), nil)
	wantErr := errors.New("handler boom")
	err := s.Enqueue(context.Background(), "control", func(ctx context.Context) error { return wantErr })
	if !errors.Is(err, wantErr) {
		t.Errorf("expected handler error to surface unchanged, got %v", err)
	}
}
