// Package runner drives a sync pass over a range of dates: it prefetches the
// schedule for every date, reconciles the dates one by one and reports which
// ones changed.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/teambition/rrule-go"
	"golang.org/x/sync/errgroup"

	appLog "poolsync/internal/log"
	"poolsync/internal/metrics"
	"poolsync/internal/model"
	"poolsync/internal/reconcile"
)

// ErrBusy is returned when a run is requested while another is in progress.
var ErrBusy = errors.New("runner: a sync run is already in progress")

// Notifier is told which dates changed after a run.
type Notifier interface {
	Notify(ctx context.Context, dates []civil.Date) error
}

// Options configures a Runner.
type Options struct {
	Location    *time.Location
	MonthsAhead int
	// Concurrency bounds how many dates are fetched at once.
	Concurrency int
	Now         func() time.Time
}

// SkippedDate is a date the run could not finish.
type SkippedDate struct {
	Date  civil.Date `json:"date"`
	Error string     `json:"error"`
}

// Change is one date whose events were created or deleted.
type Change struct {
	Date       civil.Date `json:"date"`
	Transition string     `json:"transition"`
	Created    int        `json:"created"`
	Deleted    int        `json:"deleted"`
	Protected  int        `json:"protected"`
}

// Report summarizes one run.
type Report struct {
	ID          string        `json:"id"`
	Started     time.Time     `json:"started"`
	Finished    time.Time     `json:"finished"`
	From        *civil.Date   `json:"from,omitempty"` // nil for an empty run
	To          *civil.Date   `json:"to,omitempty"`
	Dates       int           `json:"dates"`
	Changed     []Change      `json:"changed"`
	Skipped     []SkippedDate `json:"skipped"`
	NotifyError string        `json:"notify_error,omitempty"`
}

// ModifiedDates returns the dates listed in Changed.
func (r *Report) ModifiedDates() []civil.Date {
	out := make([]civil.Date, 0, len(r.Changed))
	for _, c := range r.Changed {
		out = append(out, c.Date)
	}
	return out
}

// Runner runs sync passes. Only one pass runs at a time.
type Runner struct {
	source   reconcile.EntrySource
	rec      *reconcile.Reconciler
	notifier Notifier
	metrics  *metrics.Metrics
	opts     Options

	running sync.Mutex

	mu   sync.RWMutex
	last *Report
}

// New builds a Runner. notifier and m may be nil.
func New(source reconcile.EntrySource, rec *reconcile.Reconciler, notifier Notifier, m *metrics.Metrics, opts Options) *Runner {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.MonthsAhead < 0 {
		opts.MonthsAhead = 0
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Runner{
		source:   source,
		rec:      rec,
		notifier: notifier,
		metrics:  m,
		opts:     opts,
	}
}

// Last returns the report of the most recent finished run, or nil.
func (r *Runner) Last() *Report {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

// Today returns the current date in the facility timezone.
func (r *Runner) Today() civil.Date {
	return civil.DateOf(r.opts.Now().In(r.opts.Location))
}

// Run syncs today through the end of the configured horizon.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	dates, err := DateRange(r.Today(), r.opts.MonthsAhead)
	if err != nil {
		return nil, err
	}
	return r.RunDates(ctx, dates)
}

// RunDates syncs the given dates in order. A date whose fetch or reconcile
// fails is logged and skipped; the returned error is non-nil only when the
// context ends or every date failed. Returns ErrBusy if another run holds the
// runner.
func (r *Runner) RunDates(ctx context.Context, dates []civil.Date) (*Report, error) {
	if !r.running.TryLock() {
		return nil, ErrBusy
	}
	defer r.running.Unlock()

	rep := &Report{
		ID:      uuid.NewString(),
		Started: r.opts.Now(),
		Dates:   len(dates),
		Changed: []Change{},
		Skipped: []SkippedDate{},
	}
	if len(dates) > 0 {
		from, to := dates[0], dates[len(dates)-1]
		rep.From, rep.To = &from, &to
		appLog.Info("run: start", "run", rep.ID, "from", from, "to", to, "dates", len(dates))
	} else {
		appLog.Info("run: start", "run", rep.ID, "dates", 0)
	}

	entries, fetchErrs := r.prefetch(ctx, dates)

	var runErr error
	for i, date := range dates {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		if fetchErrs[i] != nil {
			r.skip(rep, date, fetchErrs[i])
			continue
		}
		sum, err := r.rec.Reconcile(ctx, date, entries[i])
		if err != nil {
			r.skip(rep, date, err)
			continue
		}
		r.metrics.DateReconciled(sum)
		if sum == nil {
			appLog.Debug("run: unchanged", "run", rep.ID, "date", date)
			continue
		}
		appLog.Info("run: changed", "run", rep.ID, "date", date, "transition", sum.String())
		rep.Changed = append(rep.Changed, Change{
			Date:       date,
			Transition: sum.String(),
			Created:    sum.Created,
			Deleted:    sum.Deleted,
			Protected:  sum.Protected,
		})
	}

	if runErr == nil && len(dates) > 0 && len(rep.Skipped) == len(dates) {
		runErr = fmt.Errorf("runner: all %d dates failed: %w", len(dates), errors.New(rep.Skipped[0].Error))
	}

	if r.notifier != nil && len(rep.Changed) > 0 {
		if err := r.notifier.Notify(ctx, rep.ModifiedDates()); err != nil {
			appLog.Error("run: notify failed", err, "run", rep.ID)
			rep.NotifyError = err.Error()
		}
	}

	rep.Finished = r.opts.Now()
	r.metrics.RunFinished(rep.Finished.Sub(rep.Started), runErr)

	r.mu.Lock()
	r.last = rep
	r.mu.Unlock()

	if runErr != nil {
		appLog.Error("run: failed", runErr, "run", rep.ID)
	} else {
		appLog.Info("run: done", "run", rep.ID, "changed", len(rep.Changed), "skipped", len(rep.Skipped))
	}
	return rep, runErr
}

func (r *Runner) skip(rep *Report, date civil.Date, err error) {
	appLog.Warn("run: skipping date", "run", rep.ID, "date", date, "err", err)
	r.metrics.DateSkipped()
	rep.Skipped = append(rep.Skipped, SkippedDate{Date: date, Error: err.Error()})
}

// prefetch fetches entries for every date with bounded concurrency. Errors
// are kept per date so one failure does not cancel the others.
func (r *Runner) prefetch(ctx context.Context, dates []civil.Date) ([][]model.Entry, []error) {
	entries := make([][]model.Entry, len(dates))
	errs := make([]error, len(dates))

	var g errgroup.Group
	g.SetLimit(r.opts.Concurrency)
	for i, date := range dates {
		g.Go(func() error {
			entries[i], errs[i] = r.source.Entries(ctx, date)
			return nil
		})
	}
	_ = g.Wait()
	return entries, errs
}

// DateRange returns every date from today through the last day of the month
// monthsAhead months later, inclusive.
func DateRange(today civil.Date, monthsAhead int) ([]civil.Date, error) {
	if !today.IsValid() {
		return nil, fmt.Errorf("runner: invalid date %v", today)
	}
	if monthsAhead < 0 {
		monthsAhead = 0
	}

	start := today.In(time.UTC)
	// Day 0 of the following month is the last day of the target month.
	until := time.Date(today.Year, today.Month+time.Month(monthsAhead)+1, 0, 0, 0, 0, 0, time.UTC)

	rule, err := rrule.NewRRule(rrule.ROption{
		Freq:    rrule.DAILY,
		Dtstart: start,
		Until:   until,
	})
	if err != nil {
		return nil, fmt.Errorf("runner: date rule: %w", err)
	}
	var set rrule.Set
	set.RRule(rule)

	days := set.All()
	out := make([]civil.Date, 0, len(days))
	for _, t := range days {
		out = append(out, civil.DateOf(t))
	}
	return out, nil
}
