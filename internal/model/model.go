package model

import (
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
)

// Entry is one scheduled block scraped from the facility hours page for a
// single day, e.g. "Open 6:00am - 9:00am Lap Swim".
//
// Start/End are times of day; the date is implied by the request that
// produced the entry.
type Entry struct {
	Status string // badge text, e.g. "Open" / "Closed"
	Start  civil.Time
	End    civil.Time
	Info   string // activity label, e.g. "Lap Swim"
}

// Title is the calendar title for an event created from this entry.
func (e Entry) Title() string {
	if e.Info != "" {
		return e.Info
	}
	return e.Status
}

// Validate checks that the entry carries a well-formed, non-empty range.
func (e Entry) Validate() error {
	if !e.Start.IsValid() || !e.End.IsValid() {
		return fmt.Errorf("%w: invalid time of day %s-%s", ErrMalformedEntry, e.Start, e.End)
	}
	if !e.Start.Before(e.End) {
		return fmt.Errorf("%w: start %s not before end %s", ErrMalformedEntry, e.Start, e.End)
	}
	return nil
}

func (e Entry) String() string {
	return fmt.Sprintf("%s %s-%s %s", e.Status, e.Start, e.End, e.Info)
}

// Span is the timing of an Event: either AllDay or Timed.
type Span interface {
	isSpan()
}

// AllDay covers whole calendar dates starting at Date. End is the exclusive
// end date of a multi-day event; the zero value means a single day.
type AllDay struct {
	Date civil.Date
	End  civil.Date
}

// NewAllDay builds the span [start, end). A single-day span is stored with a
// zero End so it compares equal to AllDay{Date: start}.
func NewAllDay(start, end civil.Date) AllDay {
	if !end.After(start.AddDays(1)) {
		return AllDay{Date: start}
	}
	return AllDay{Date: start, End: end}
}

// EndDate returns the exclusive end date.
func (a AllDay) EndDate() civil.Date {
	if a.End.After(a.Date) {
		return a.End
	}
	return a.Date.AddDays(1)
}

// Covers reports whether d falls inside the span.
func (a AllDay) Covers(d civil.Date) bool {
	return !d.Before(a.Date) && d.Before(a.EndDate())
}

// Timed is a zoned [Start, End) interval. Both instants carry the
// calendar's configured location.
type Timed struct {
	Start time.Time
	End   time.Time
}

func (AllDay) isSpan() {}
func (Timed) isSpan()  {}

// NewTimed combines a date with two times of day in loc.
func NewTimed(date civil.Date, start, end civil.Time, loc *time.Location) Timed {
	return Timed{
		Start: civil.DateTime{Date: date, Time: start}.In(loc),
		End:   civil.DateTime{Date: date, Time: end}.In(loc),
	}
}

// Event is a calendar event as seen by the reconciler. An empty ID means the
// event has not been created yet (or was deleted).
type Event struct {
	ID          string
	Title       string
	Description string
	Span        Span
}

// Validate enforces the span invariants: a span is present and its end is
// strictly after its start.
func (e Event) Validate() error {
	switch s := e.Span.(type) {
	case AllDay:
		if !s.Date.IsValid() {
			return fmt.Errorf("event %q: invalid all-day date %s", e.Title, s.Date)
		}
		if s.End != (civil.Date{}) && !s.End.After(s.Date) {
			return fmt.Errorf("event %q: all-day end %s not after %s", e.Title, s.End, s.Date)
		}
	case Timed:
		if s.Start.IsZero() || s.End.IsZero() {
			return fmt.Errorf("event %q: missing start or end", e.Title)
		}
		if !s.End.After(s.Start) {
			return fmt.Errorf("event %q: end %s not after start %s", e.Title, s.End, s.Start)
		}
	case nil:
		return errors.New("event has no span")
	}
	return nil
}

// IsAllDay reports whether the event spans a whole date.
func (e Event) IsAllDay() bool {
	_, ok := e.Span.(AllDay)
	return ok
}

// TimesOfDay returns the start/end times of day of a timed event in loc.
// ok is false for all-day events.
func (e Event) TimesOfDay(loc *time.Location) (start, end civil.Time, ok bool) {
	t, isTimed := e.Span.(Timed)
	if !isTimed {
		return civil.Time{}, civil.Time{}, false
	}
	return civil.TimeOf(t.Start.In(loc)), civil.TimeOf(t.End.In(loc)), true
}

// Protected reports whether the event must not be deleted at instant now:
// timed events that already started are kept, all-day events never are.
func (e Event) Protected(now time.Time) bool {
	t, ok := e.Span.(Timed)
	return ok && t.Start.Before(now)
}

func (e Event) String() string {
	switch s := e.Span.(type) {
	case AllDay:
		if s.End != (civil.Date{}) {
			return fmt.Sprintf("%q all-day %s..%s", e.Title, s.Date, s.End)
		}
		return fmt.Sprintf("%q all-day %s", e.Title, s.Date)
	case Timed:
		return fmt.Sprintf("%q %s-%s", e.Title, s.Start.Format(time.RFC3339), s.End.Format(time.RFC3339))
	}
	return fmt.Sprintf("%q", e.Title)
}
