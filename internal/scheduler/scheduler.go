// Package scheduler triggers ingestion runs on a cron schedule and on
// demand, never letting two live runs overlap.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"eventsync/internal/config"
	appLog "eventsync/internal/log"
	"eventsync/internal/metrics"
	"eventsync/internal/runlock"
	"eventsync/internal/scrape"
)

var (
	ErrRunInProgress = errors.New("scheduler: a live run is already in progress")
	ErrLocked        = errors.New("scheduler: run lock held by another process")
)

// Trigger sources recorded in RunInfo.
const (
	TriggerCron    = "cron"
	TriggerManual  = "manual"
	TriggerStartup = "startup"
)

// Runner performs one ingestion pass. *scrape.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, dryRun bool) (scrape.Summary, error)
}

// RunInfo describes the most recent finished run.
type RunInfo struct {
	Trigger    string          `json:"trigger"`
	DryRun     bool            `json:"dryRun"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt time.Time       `json:"finishedAt"`
	Duration   string          `json:"duration"`
	Summary    *scrape.Summary `json:"summary,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	Running  bool       `json:"running"`
	Schedule string     `json:"schedule"`
	NextRun  *time.Time `json:"nextRun,omitempty"`
	LastRun  *RunInfo   `json:"lastRun,omitempty"`
}

type Option func(*Scheduler)

// WithLocker adds a cross-process lock taken around every live run.
func WithLocker(l runlock.Locker) Option {
	return func(s *Scheduler) { s.locker = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithRunOnStart makes Start kick off one live run immediately.
func WithRunOnStart(v bool) Option {
	return func(s *Scheduler) { s.runOnStart = v }
}

type Scheduler struct {
	runner     Runner
	locker     runlock.Locker
	metrics    *metrics.Metrics
	loc        *time.Location
	runOnStart bool

	spec    string
	cron    *cron.Cron
	entryID cron.EntryID

	running atomic.Bool
	startWG sync.WaitGroup

	mu      sync.Mutex
	lastRun *RunInfo
	ctx     context.Context
	cancel  context.CancelFunc
}

// New builds a scheduler for spec (standard 5-field cron). An invalid spec
// is logged and replaced with the default schedule.
func New(spec string, runner Runner, opts ...Option) *Scheduler {
	s := &Scheduler{
		runner: runner,
		locker: runlock.NewLocal(),
		loc:    time.Local,
	}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := cron.ParseStandard(spec); err != nil {
		appLog.Error("invalid cron schedule; using default", err, "schedule", spec, "default", config.DefaultRefreshCron)
		spec = config.DefaultRefreshCron
	}
	s.spec = spec

	logger := cronLogger{}
	s.cron = cron.New(
		cron.WithLocation(s.loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	return s
}

// Start schedules runs until Stop. ctx is the parent of every scheduled run.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	runCtx := s.ctx
	s.mu.Unlock()

	id, err := s.cron.AddFunc(s.spec, func() {
		s.runScheduled(runCtx, TriggerCron)
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.entryID = id
	s.mu.Unlock()
	s.cron.Start()

	next := s.cron.Entry(id).Next
	appLog.Info("scheduler started", "schedule", s.spec, "next_run", next)

	if s.runOnStart {
		s.startWG.Add(1)
		go func() {
			defer s.startWG.Done()
			s.runScheduled(runCtx, TriggerStartup)
		}()
	}
	return nil
}

// Stop halts scheduling and waits for in-flight cron and startup runs until
// ctx expires, at which point they are cancelled.
func (s *Scheduler) Stop(ctx context.Context) error {
	cronDone := s.cron.Stop()
	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.startWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.mu.Lock()
		if s.cancel != nil {
			s.cancel()
		}
		s.mu.Unlock()
		return ctx.Err()
	}
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	appLog.Info("scheduler stopped")
	return nil
}

// Trigger runs immediately and waits for the result. Live runs fail fast
// with ErrRunInProgress or ErrLocked instead of queueing. Dry runs have no
// side effects and are never blocked.
func (s *Scheduler) Trigger(ctx context.Context, dryRun bool) (scrape.Summary, error) {
	return s.run(ctx, TriggerManual, dryRun)
}

func (s *Scheduler) Status() Status {
	st := Status{
		Running:  s.running.Load(),
		Schedule: s.spec,
	}
	s.mu.Lock()
	if s.entryID != 0 {
		if next := s.cron.Entry(s.entryID).Next; !next.IsZero() {
			st.NextRun = &next
		}
	}
	if s.lastRun != nil {
		info := *s.lastRun
		st.LastRun = &info
	}
	s.mu.Unlock()
	return st
}

func (s *Scheduler) runScheduled(ctx context.Context, trigger string) {
	_, err := s.run(ctx, trigger, false)
	switch {
	case errors.Is(err, ErrRunInProgress), errors.Is(err, ErrLocked):
		appLog.Warn("scheduled run skipped", "trigger", trigger, "reason", err.Error())
	case err != nil:
		appLog.Error("scheduled run failed", err, "trigger", trigger)
	}
}

func (s *Scheduler) run(ctx context.Context, trigger string, dryRun bool) (scrape.Summary, error) {
	if !dryRun {
		if !s.running.CompareAndSwap(false, true) {
			return scrape.Summary{}, ErrRunInProgress
		}
		defer s.running.Store(false)

		ok, err := s.locker.TryLock(ctx)
		if err != nil {
			return scrape.Summary{}, err
		}
		if !ok {
			return scrape.Summary{}, ErrLocked
		}
		defer func() {
			// Release even when ctx was cancelled mid-run.
			unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := s.locker.Unlock(unlockCtx); err != nil {
				appLog.Error("run lock release failed", err)
			}
		}()
	}

	appLog.Info("run triggered", "trigger", trigger, "dry_run", dryRun)
	start := time.Now()
	sum, err := s.runner.Run(ctx, dryRun)
	finished := time.Now()

	s.metrics.ObserveRun(dryRun, err, finished.Sub(start), finished)

	info := &RunInfo{
		Trigger:    trigger,
		DryRun:     dryRun,
		StartedAt:  start,
		FinishedAt: finished,
		Duration:   finished.Sub(start).Round(time.Millisecond).String(),
		Summary:    &sum,
	}
	if err != nil {
		info.Error = err.Error()
	}
	s.mu.Lock()
	s.lastRun = info
	s.mu.Unlock()

	return sum, err
}

// cronLogger routes robfig/cron logs through the application logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	appLog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	appLog.Error("cron: "+msg, err, keysAndValues...)
}
