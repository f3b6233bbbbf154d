package mirror

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
)

// stubRefresher records invocation times and detects overlapping calls.
type stubRefresher struct {
	mu       sync.Mutex
	starts   []time.Duration
	base     time.Time
	delay    time.Duration
	err      error
	inFlight atomic.Int32
	overlap  atomic.Bool
}

func (r *stubRefresher) Refresh(_ context.Context) error {
	if r.inFlight.Add(1) > 1 {
		r.overlap.Store(true)
	}
	defer r.inFlight.Add(-1)

	r.mu.Lock()
	r.starts = append(r.starts, time.Since(r.base))
	r.mu.Unlock()

	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	return r.err
}

func (r *stubRefresher) startTimes() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.starts...)
}

func TestSchedulerCadence(t *testing.T) {
	t.Parallel()

	const interval = 50 * time.Millisecond

	refresher := &stubRefresher{base: time.Now()}
	scheduler := NewScheduler(refresher, interval)

	ctx, cancel := context.WithTimeout(context.Background(), 7*interval)
	defer cancel()
	if err := scheduler.Run(ctx); err != nil {
		t.Fatal("Run:", err)
	}

	starts := refresher.startTimes()
	if len(starts) < 4 {
		t.Fatalf("got %d refreshes, want at least 4", len(starts))
	}

	// The first refresh runs immediately; afterwards the ticker never
	// fires early, so the k-th scheduled start happens at or after
	// k*interval from scheduler start.
	for i, start := range starts[1:] {
		if minStart := time.Duration(i+1) * interval; start < minStart {
			t.Errorf("refresh %d started at %v, want >= %v", i+1, start, minStart)
		}
	}
}

func TestSchedulerRefreshesAtStartup(t *testing.T) {
	t.Parallel()

	// With an interval far beyond the test's lifetime the only refresh
	// that can run is the startup one.
	refresher := &stubRefresher{base: time.Now()}
	scheduler := NewScheduler(refresher, time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := scheduler.Run(ctx); err != nil {
		t.Fatal("Run:", err)
	}

	starts := refresher.startTimes()
	if len(starts) != 1 {
		t.Fatalf("got %d refreshes, want exactly 1 at startup", len(starts))
	}
	if starts[0] > 50*time.Millisecond {
		t.Errorf("startup refresh ran at %v, want immediately", starts[0])
	}
}

func TestSchedulerNeverOverlaps(t *testing.T) {
	t.Parallel()

	const interval = 20 * time.Millisecond

	// Each refresh outlives the interval; ticks firing mid-refresh are
	// dropped rather than run concurrently.
	refresher := &stubRefresher{base: time.Now(), delay: 3 * interval}
	scheduler := NewScheduler(refresher, interval)

	ctx, cancel := context.WithTimeout(context.Background(), 12*interval)
	defer cancel()
	if err := scheduler.Run(ctx); err != nil {
		t.Fatal("Run:", err)
	}

	if refresher.overlap.Load() {
		t.Error("refreshes overlapped")
	}
	if n := len(refresher.startTimes()); n < 2 {
		t.Errorf("got %d refreshes, want at least 2", n)
	}
}

func TestSchedulerContinuesAfterFailure(t *testing.T) {
	t.Parallel()

	const interval = 20 * time.Millisecond

	refresher := &stubRefresher{base: time.Now(), err: errors.New("upstream unreachable")}
	scheduler := NewScheduler(refresher, interval)

	ctx, cancel := context.WithTimeout(context.Background(), 6*interval)
	defer cancel()
	if err := scheduler.Run(ctx); err != nil {
		t.Fatal("Run:", err)
	}

	// Every failed tick is followed by further ticks on the same cadence.
	if n := len(refresher.startTimes()); n < 2 {
		t.Errorf("got %d refreshes after failures, want at least 2", n)
	}
}

func TestSchedulerStopsOnCancel(t *testing.T) {
	t.Parallel()

	refresher := &stubRefresher{base: time.Now()}
	scheduler := NewScheduler(refresher, time.Hour)

	// An already-cancelled context stops Run before any refresh,
	// including the startup one.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() {
		done <- scheduler.Run(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Error("Run should return nil on cancellation, got", err)
		}
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after cancellation")
	}

	if len(refresher.startTimes()) != 0 {
		t.Error("no refresh should run once the context is cancelled")
	}
}
