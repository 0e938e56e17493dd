// Package reconcile diffs one date's scraped schedule entries against the
// calendar's current events and issues the create/update/delete calls that
// make the calendar match.
package reconcile

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/civil"

	"poolsync/internal/model"
)

// EntrySource yields the schedule entries for a date. An empty result with a
// nil error means the facility is closed that day.
type EntrySource interface {
	Entries(ctx context.Context, date civil.Date) ([]model.Entry, error)
}

// Provider is the calendar the reconciler writes to.
//
// Create must reject events that already carry an ID; Update and Delete must
// reject events without one. Update merges into the stored representation
// rather than overwriting it. Delete reports whether the event was actually
// removed and returns false, not an error, for a started timed event when
// allowPast is false.
type Provider interface {
	ListEvents(ctx context.Context, date civil.Date) ([]model.Event, error)
	Create(ctx context.Context, ev model.Event) (model.Event, error)
	Update(ctx context.Context, ev model.Event) error
	Delete(ctx context.Context, ev model.Event, allowPast bool) (bool, error)
}

const (
	stateOpen    = "Open"
	stateClosed  = "Closed"
	stateUnknown = "Unknown"

	defaultClosedTitle  = "Closed"
	defaultSyncedPrefix = "Last synced"
)

// Options configures a Reconciler.
type Options struct {
	// Location is the facility timezone. Entry times are interpreted in it
	// and event times are converted into it before matching.
	Location *time.Location

	// ClosedTitle is the title of the all-day event created for closed days.
	ClosedTitle string

	// ClosedMarker identifies an existing closed-day event by title
	// substring. Defaults to ClosedTitle.
	ClosedMarker string

	// SyncedPrefix starts the description written on every touched event.
	SyncedPrefix string

	// Now returns the current instant. Defaults to time.Now.
	Now func() time.Time
}

// Reconciler applies one date's schedule to a Provider. It keeps no state
// between calls.
type Reconciler struct {
	provider     Provider
	loc          *time.Location
	closedTitle  string
	closedMarker string
	syncedPrefix string
	now          func() time.Time
}

// New builds a Reconciler writing to p.
func New(p Provider, opts Options) *Reconciler {
	r := &Reconciler{
		provider:     p,
		loc:          opts.Location,
		closedTitle:  opts.ClosedTitle,
		closedMarker: opts.ClosedMarker,
		syncedPrefix: opts.SyncedPrefix,
		now:          opts.Now,
	}
	if r.loc == nil {
		r.loc = time.Local
	}
	if r.closedTitle == "" {
		r.closedTitle = defaultClosedTitle
	}
	if r.closedMarker == "" {
		r.closedMarker = r.closedTitle
	}
	if r.syncedPrefix == "" {
		r.syncedPrefix = defaultSyncedPrefix
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Summary describes a structural change made to one date.
type Summary struct {
	Date civil.Date
	From string // previous event count, "Closed", "Open" or "Unknown"
	To   string // new event count or "Closed"

	Matched   int // events kept; each one had its description updated
	Created   int
	Deleted   int
	Protected int // stale events kept because they already started
}

// String renders the transition, e.g. "2 -> 3" or "Open -> Closed".
func (s Summary) String() string {
	return s.From + " -> " + s.To
}

// Reconcile makes the provider's events for date reflect entries. It returns
// nil when no event was created or deleted. Every matched event gets its
// "last synced" description pushed on each run, so counting those refreshes
// would report every date as changed forever; a run over an unchanged
// schedule therefore returns nil even though it issued Update calls.
// Summary.Matched still counts the refreshed events when a summary is
// returned.
//
// Calls are issued as they are decided. On error the date may be partially
// reconciled; a later run re-derives state from the provider listing.
func (r *Reconciler) Reconcile(ctx context.Context, date civil.Date, entries []model.Entry) (*Summary, error) {
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("reconcile %s: %w", date, err)
		}
	}

	events, err := r.provider.ListEvents(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("reconcile %s: %w", date, err)
	}

	now := r.now()
	stamp := r.syncedDescription(now)

	if len(entries) == 0 {
		return r.reconcileClosed(ctx, date, events, now, stamp)
	}

	sum := &Summary{Date: date, From: strconv.Itoa(len(events))}
	if len(events) == 1 && r.isClosedEvent(events[0]) {
		sum.From = stateClosed
	}

	// Greedy first-fit matching on the (start, end) time-of-day pair. Both
	// pools shrink as matches are found so each side matches at most once.
	pending := slices.Clone(entries)
	var stale []model.Event
	for _, ev := range events {
		start, end, ok := ev.TimesOfDay(r.loc)
		if !ok {
			stale = append(stale, ev)
			continue
		}
		i := slices.IndexFunc(pending, func(e model.Entry) bool {
			return e.Start == start && e.End == end
		})
		if i < 0 {
			stale = append(stale, ev)
			continue
		}
		ev.Description = stamp
		if err := r.provider.Update(ctx, ev); err != nil {
			return nil, fmt.Errorf("reconcile %s: refresh %s: %w", date, ev, err)
		}
		pending = slices.Delete(pending, i, i+1)
		sum.Matched++
	}

	if err := r.deleteAll(ctx, stale, now, sum); err != nil {
		return nil, fmt.Errorf("reconcile %s: %w", date, err)
	}

	for _, e := range pending {
		ev := model.Event{
			Title:       e.Title(),
			Description: stamp,
			Span:        model.NewTimed(date, e.Start, e.End, r.loc),
		}
		if _, err := r.provider.Create(ctx, ev); err != nil {
			return nil, fmt.Errorf("reconcile %s: create %s: %w", date, ev, err)
		}
		sum.Created++
	}

	if sum.Created == 0 && sum.Deleted == 0 {
		return nil, nil
	}
	sum.To = strconv.Itoa(sum.Matched + sum.Created)
	return sum, nil
}

func (r *Reconciler) reconcileClosed(ctx context.Context, date civil.Date, events []model.Event, now time.Time, stamp string) (*Summary, error) {
	if len(events) == 1 && r.isClosedEvent(events[0]) {
		ev := events[0]
		ev.Description = stamp
		if err := r.provider.Update(ctx, ev); err != nil {
			return nil, fmt.Errorf("reconcile %s: refresh closed event: %w", date, err)
		}
		return nil, nil
	}

	sum := &Summary{Date: date, From: stateUnknown, To: stateClosed}
	if len(events) > 1 {
		sum.From = stateOpen
	}
	if err := r.deleteAll(ctx, events, now, sum); err != nil {
		return nil, fmt.Errorf("reconcile %s: %w", date, err)
	}

	closed := model.Event{
		Title:       r.closedTitle,
		Description: stamp,
		Span:        model.AllDay{Date: date},
	}
	if _, err := r.provider.Create(ctx, closed); err != nil {
		return nil, fmt.Errorf("reconcile %s: create closed event: %w", date, err)
	}
	sum.Created++

	// Replacing several events with the closed marker only counts as a
	// transition when something was actually removed.
	if sum.From == stateOpen && sum.Deleted == 0 {
		return nil, nil
	}
	return sum, nil
}

// deleteAll deletes every event not protected at now, counting deletions and
// protected events into sum.
func (r *Reconciler) deleteAll(ctx context.Context, events []model.Event, now time.Time, sum *Summary) error {
	for _, ev := range events {
		if ev.Protected(now) {
			sum.Protected++
			continue
		}
		ok, err := r.provider.Delete(ctx, ev, false)
		if err != nil {
			return fmt.Errorf("delete %s: %w", ev, err)
		}
		if ok {
			sum.Deleted++
		}
	}
	return nil
}

func (r *Reconciler) isClosedEvent(ev model.Event) bool {
	return strings.Contains(ev.Title, r.closedMarker)
}

func (r *Reconciler) syncedDescription(now time.Time) string {
	return r.syncedPrefix + ": " + now.In(r.loc).Format("2006-01-02 15:04 MST")
}
