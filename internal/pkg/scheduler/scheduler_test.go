package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type countingTask struct {
	calls atomic.Int32
	block chan struct{}
}

func (c *countingTask) run() {
	c.calls.Add(1)
	if c.block != nil {
		<-c.block
	}
}

type fakeExpiry struct{ countingTask }

func (f *fakeExpiry) ProcessExpiredSubscriptions(ctx context.Context) error {
	f.run()
	return nil
}

type fakeResetter struct{ countingTask }

func (f *fakeResetter) ResetDailyCredits(ctx context.Context) error {
	f.run()
	return nil
}

type fakeSyncer struct {
	mu        sync.Mutex
	providers []string
}

func (f *fakeSyncer) SyncFromProvider(ctx context.Context, provider string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.providers = append(f.providers, provider)
	return nil
}

type fakeReconciler struct{ countingTask }

func (f *fakeReconciler) SyncAll(ctx context.Context) error {
	f.run()
	return nil
}

func TestRunSweep_RunsAllTasks(t *testing.T) {
	expiry := &fakeExpiry{}
	resetter := &fakeResetter{}
	reconciler := &fakeReconciler{}
	m := NewManager(expiry, resetter, nil, reconciler)

	m.RunSweep()

	assert.EqualValues(t, 1, expiry.calls.Load())
	assert.EqualValues(t, 1, resetter.calls.Load())
	assert.EqualValues(t, 1, reconciler.calls.Load())
}

func TestRunSweep_SkipsWhileSweepInProgress(t *testing.T) {
	expiry := &fakeExpiry{}
	expiry.block = make(chan struct{})
	m := NewManager(expiry, nil, nil, nil)

	done := make(chan struct{})
	go func() {
		m.RunSweep()
		close(done)
	}()

	// Wait until the first sweep is inside the expiry task.
	for expiry.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	// Overlapping sweep must be a no-op.
	m.RunSweep()
	assert.EqualValues(t, 1, expiry.calls.Load())

	close(expiry.block)
	<-done

	// After the first sweep finishes the next one runs again.
	expiry.block = nil
	m.RunSweep()
	assert.EqualValues(t, 2, expiry.calls.Load())
}

func TestRunPlanSync_CoversBothProviders(t *testing.T) {
	syncer := &fakeSyncer{}
	m := NewManager(nil, nil, syncer, nil)

	m.RunPlanSync()

	assert.ElementsMatch(t, []string{"google_play", "apple"}, syncer.providers)
}

func TestStartStop_Clean(t *testing.T) {
	syncer := &fakeSyncer{}
	m := NewManager(&fakeExpiry{}, &fakeResetter{}, syncer, &fakeReconciler{})
	m.sweepInterval = 10 * time.Millisecond
	m.planSyncInterval = time.Hour

	m.Start()
	// Start is idempotent.
	m.Start()

	time.Sleep(30 * time.Millisecond)
	m.Stop()
	// Stop is idempotent.
	m.Stop()

	syncer.mu.Lock()
	synced := len(syncer.providers)
	syncer.mu.Unlock()
	assert.GreaterOrEqual(t, synced, 2, "startup plan sync must have run")
}

func TestStop_WaitsOutInFlightSweep(t *testing.T) {
	expiry := &fakeExpiry{}
	expiry.block = make(chan struct{})
	m := NewManager(expiry, nil, nil, nil)
	m.sweepInterval = 5 * time.Millisecond
	m.planSyncInterval = time.Hour

	m.Start()

	// Wait until a sweep is blocked inside the expiry task.
	for expiry.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()

	// Stop must be waiting on the sweep, not deadlocked on the mutex.
	select {
	case <-done:
		t.Fatal("Stop returned while a sweep was still running")
	case <-time.After(20 * time.Millisecond):
	}

	close(expiry.block)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return after the sweep finished")
	}
}

func TestDurationUntilMidnight(t *testing.T) {
	now := time.Date(2025, 6, 15, 23, 0, 0, 0, time.UTC)
	if got := durationUntilMidnight(now); got != time.Hour {
		t.Fatalf("durationUntilMidnight(23:00) = %v, want 1h", got)
	}

	early := time.Date(2025, 6, 15, 0, 0, 1, 0, time.UTC)
	got := durationUntilMidnight(early)
	if got <= 23*time.Hour || got > 24*time.Hour {
		t.Fatalf("durationUntilMidnight(00:00:01) = %v, out of range", got)
	}
}
