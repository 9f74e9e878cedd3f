// Package scrape runs one ingestion pass: it fans out to every source
// adapter, reconciles the merged candidates against the store one by one
// and finally sweeps records that were not seen for too long.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"eventsync/internal/config"
	"eventsync/internal/diff"
	appLog "eventsync/internal/log"
	"eventsync/internal/metrics"
	"eventsync/internal/model"
	"eventsync/internal/source"
	"eventsync/internal/store"
)

type Options struct {
	// StaleAfter is the staleness window. Zero means 7 days.
	StaleAfter time.Duration
	Policy     diff.Policy
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

// Orchestrator owns no cross-run state; overlap protection belongs to the
// caller.
type Orchestrator struct {
	store      store.Store
	adapters   []source.Adapter
	staleAfter time.Duration
	policy     diff.Policy
	metrics    *metrics.Metrics
	now        func() time.Time
}

func New(st store.Store, adapters []source.Adapter, opts Options) *Orchestrator {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = config.DefaultStaleAfter
	}
	if opts.Policy == "" {
		opts.Policy = diff.PolicyStickyImported
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{
		store:      st,
		adapters:   adapters,
		staleAfter: opts.StaleAfter,
		policy:     opts.Policy,
		metrics:    opts.Metrics,
		now:        opts.Now,
	}
}

// Run performs one pass. On a fatal failure the counters accumulated so far
// are returned together with the error.
func (o *Orchestrator) Run(ctx context.Context, dryRun bool) (sum Summary, err error) {
	names := make([]model.SourceName, 0, len(o.adapters))
	for _, a := range o.adapters {
		names = append(names, a.Name())
	}
	sum = newSummary(names, dryRun, o.now())

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("run panicked: %v", r)
		}
		sum.FinishedAt = o.now()
		o.logSummary(sum, err)
	}()

	appLog.Info("run start", "dry_run", dryRun, "sources", len(o.adapters))

	candidates := o.collect(ctx)
	for _, c := range candidates {
		sum.bump(c.Source, Counts{Scraped: 1})
	}

	if dryRun {
		sum.Candidates = candidates
		return sum, nil
	}

	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return sum, fmt.Errorf("run aborted: %w", err)
		}
		delta, changes, err := o.reconcile(ctx, c)
		if err != nil {
			appLog.Error("candidate reconcile failed", err, "source", c.Source, "external_id", c.ExternalID, "title", c.Title)
			o.metrics.Candidates(c.Source, metrics.OutcomeError, 1)
			sum.bump(c.Source, Counts{Errors: 1})
			continue
		}
		sum.bump(c.Source, delta)
		sum.recordChanges(c.Key(), changes)
	}

	cutoff := o.now().Add(-o.staleAfter)
	n, err := o.store.MarkStale(ctx, cutoff)
	if err != nil {
		return sum, fmt.Errorf("staleness sweep: %w", err)
	}
	sum.Inactivated = n
	o.metrics.Inactivated(n)
	appLog.Info("staleness sweep complete", "inactivated", n, "cutoff", cutoff)

	return sum, nil
}

// collect runs every adapter concurrently and merges their output in
// adapter order. A panicking adapter contributes nothing.
func (o *Orchestrator) collect(ctx context.Context) []model.Candidate {
	results := make([][]model.Candidate, len(o.adapters))
	var wg sync.WaitGroup
	for i, a := range o.adapters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lg := appLog.With("source", a.Name())
			defer func() {
				if r := recover(); r != nil {
					o.metrics.AdapterFailure(a.Name(), "panic")
					lg.Error("adapter panicked", "err", fmt.Errorf("%v", r))
				}
			}()
			start := time.Now()
			results[i] = a.FetchCandidates(ctx)
			lg.Debug("adapter finished", "candidates", len(results[i]), "duration", time.Since(start).Round(time.Millisecond))
		}()
	}
	wg.Wait()

	var merged []model.Candidate
	for i, a := range o.adapters {
		for _, c := range results[i] {
			c.Source = a.Name()
			if err := c.Validate(); err != nil {
				appLog.Warn("invalid candidate dropped", "source", c.Source, "title", c.Title, "reason", err.Error())
				continue
			}
			merged = append(merged, c)
		}
	}
	return merged
}

func (o *Orchestrator) reconcile(ctx context.Context, c model.Candidate) (Counts, map[string]diff.FieldChange, error) {
	key := c.Key()
	var prev *model.Event
	existing, err := o.store.FindByKey(ctx, key)
	switch {
	case err == nil:
		prev = &existing
	case errors.Is(err, store.ErrNotFound):
	default:
		return Counts{}, nil, fmt.Errorf("find %s: %w", key, err)
	}

	r := diff.Classify(c, prev)
	now := o.now()

	switch {
	case r.IsNew:
		ev := &model.Event{
			Candidate:       c,
			Status:          diff.DeriveStatus(r, "", o.policy),
			LastRefreshedAt: now,
		}
		if err := o.store.Insert(ctx, ev); err != nil {
			return Counts{}, nil, fmt.Errorf("insert %s: %w", key, err)
		}
		o.metrics.Candidates(c.Source, metrics.OutcomeNew, 1)
		return Counts{New: 1}, nil, nil

	case r.IsUpdated:
		status := diff.DeriveStatus(r, prev.Status, o.policy)
		if c.DateEstimated {
			c.DateTime = prev.DateTime
			c.DateEstimated = prev.DateEstimated
		}
		if err := o.store.UpdateObserved(ctx, prev.ID, c, status, now); err != nil {
			return Counts{}, nil, fmt.Errorf("update %s: %w", key, err)
		}
		appLog.Debug("event updated", "key", key.String(), "status", status, "fields", len(r.Changes))
		o.metrics.Candidates(c.Source, metrics.OutcomeUpdated, 1)
		return Counts{Updated: 1}, r.Changes, nil

	default:
		if err := o.store.Touch(ctx, prev.ID, now); err != nil {
			return Counts{}, nil, fmt.Errorf("touch %s: %w", key, err)
		}
		o.metrics.Candidates(c.Source, metrics.OutcomeUnchanged, 1)
		return Counts{Unchanged: 1}, nil, nil
	}
}

func (o *Orchestrator) logSummary(sum Summary, err error) {
	for _, a := range o.adapters {
		c := sum.Sources[a.Name()]
		appLog.Info("run source summary",
			"source", a.Name(), "scraped", c.Scraped, "new", c.New,
			"updated", c.Updated, "unchanged", c.Unchanged, "errors", c.Errors)
	}
	kv := []any{
		"dry_run", sum.DryRun,
		"scraped", sum.Total.Scraped, "new", sum.Total.New, "updated", sum.Total.Updated,
		"unchanged", sum.Total.Unchanged, "errors", sum.Total.Errors,
		"inactivated", sum.Inactivated, "duration", sum.FinishedAt.Sub(sum.StartedAt),
	}
	if err != nil {
		appLog.Error("run failed", err, kv...)
		return
	}
	appLog.Info("run complete", kv...)
}
