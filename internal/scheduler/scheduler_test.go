package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"eventsync/internal/config"
	"eventsync/internal/scrape"
)

type blockingRunner struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
	err     error
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{started: make(chan struct{}, 4), release: make(chan struct{})}
}

func (r *blockingRunner) Run(ctx context.Context, dryRun bool) (scrape.Summary, error) {
	r.calls.Add(1)
	r.started <- struct{}{}
	select {
	case <-r.release:
	case <-ctx.Done():
		return scrape.Summary{DryRun: dryRun}, ctx.Err()
	}
	return scrape.Summary{DryRun: dryRun, Total: scrape.Counts{Scraped: 1}}, r.err
}

type instantRunner struct{ err error }

func (r instantRunner) Run(_ context.Context, dryRun bool) (scrape.Summary, error) {
	return scrape.Summary{DryRun: dryRun, Total: scrape.Counts{New: 2}}, r.err
}

type heldLocker struct{}

func (heldLocker) TryLock(context.Context) (bool, error) { return false, nil }
func (heldLocker) Unlock(context.Context) error          { return nil }

func TestTrigger_RejectsOverlappingLiveRuns(t *testing.T) {
	r := newBlockingRunner()
	s := New(config.DefaultRefreshCron, r)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := s.Trigger(ctx, false)
		done <- err
	}()
	<-r.started

	if _, err := s.Trigger(ctx, false); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}
	if !s.Status().Running {
		t.Fatal("status should report the running run")
	}

	// A dry run is side-effect free and may run alongside.
	dryDone := make(chan error, 1)
	go func() {
		_, err := s.Trigger(ctx, true)
		dryDone <- err
	}()
	<-r.started

	close(r.release)
	if err := <-done; err != nil {
		t.Fatalf("live run failed: %v", err)
	}
	if err := <-dryDone; err != nil {
		t.Fatalf("dry run failed: %v", err)
	}
	if got := r.calls.Load(); got != 2 {
		t.Fatalf("runner calls = %d, want 2", got)
	}
	if s.Status().Running {
		t.Fatal("running flag must clear after the run")
	}
}

func TestTrigger_LockedElsewhere(t *testing.T) {
	s := New(config.DefaultRefreshCron, instantRunner{}, WithLocker(heldLocker{}))
	if _, err := s.Trigger(context.Background(), false); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if s.Status().Running {
		t.Fatal("a rejected run must not leave the running flag set")
	}
}

func TestTrigger_RecordsLastRun(t *testing.T) {
	s := New(config.DefaultRefreshCron, instantRunner{err: errors.New("sweep failed")})
	sum, err := s.Trigger(context.Background(), false)
	if err == nil || sum.Total.New != 2 {
		t.Fatalf("partial summary and error must both be returned: %+v, %v", sum, err)
	}

	st := s.Status()
	if st.LastRun == nil || st.LastRun.Trigger != TriggerManual || st.LastRun.Error != "sweep failed" {
		t.Fatalf("unexpected last run: %+v", st.LastRun)
	}
	if st.LastRun.Summary == nil || st.LastRun.Summary.Total.New != 2 {
		t.Fatalf("last run summary missing: %+v", st.LastRun)
	}

	// The local lock must have been released.
	if _, err := s.Trigger(context.Background(), false); errors.Is(err, ErrLocked) {
		t.Fatal("lock leaked after a failed run")
	}
}

func TestNew_InvalidScheduleFallsBack(t *testing.T) {
	s := New("every now and then", instantRunner{})
	if s.Status().Schedule != config.DefaultRefreshCron {
		t.Fatalf("schedule = %q", s.Status().Schedule)
	}
}

func TestStartStop(t *testing.T) {
	r := newBlockingRunner()
	s := New("*/5 * * * *", r, WithRunOnStart(true), WithLocation(time.UTC))
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	select {
	case <-r.started:
	case <-time.After(2 * time.Second):
		t.Fatal("run on start did not fire")
	}

	st := s.Status()
	if st.NextRun == nil || !st.NextRun.After(time.Now()) {
		t.Fatalf("next run not reported: %+v", st)
	}

	// Stop with an expired context cancels the startup run.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_ = s.Stop(ctx)

	deadline := time.After(2 * time.Second)
	for s.Status().Running {
		select {
		case <-deadline:
			t.Fatal("run was not cancelled by Stop")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if last := s.Status().LastRun; last == nil || last.Trigger != TriggerStartup || last.Error == "" {
		t.Fatalf("expected cancelled startup run, got %+v", last)
	}
}

func TestStop_WaitsForStartupRun(t *testing.T) {
	r := newBlockingRunner()
	s := New("*/5 * * * *", r, WithRunOnStart(true), WithLocation(time.UTC))
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-r.started:
	case <-time.After(2 * time.Second):
		t.Fatal("run on start did not fire")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop(ctx) }()

	select {
	case err := <-stopped:
		t.Fatalf("Stop returned before the startup run finished: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(r.release)
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the startup run finished")
	}
	if last := s.Status().LastRun; last == nil || last.Trigger != TriggerStartup || last.Error != "" {
		t.Fatalf("expected completed startup run, got %+v", last)
	}
}
