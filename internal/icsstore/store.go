// Package icsstore is a calendar provider backed by a local iCalendar file.
// It is used for dry runs and offline testing of the sync job; the file can
// be subscribed to or imported into any calendar client.
package icsstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/civil"
	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"

	"poolsync/internal/config"
	appLog "poolsync/internal/log"
	"poolsync/internal/model"
)

// Store reads and writes events in one .ics file. Every mutation rewrites
// the file atomically. Properties the store does not manage (LOCATION,
// CATEGORIES, alarms, ...) survive updates.
type Store struct {
	mu   sync.Mutex
	path string
	loc  *time.Location
	cal  *ical.Calendar
	now  func() time.Time
}

// Open loads path, or starts an empty calendar if it does not exist yet.
func Open(path string, loc *time.Location) (*Store, error) {
	if path == "" {
		return nil, errors.New("icsstore: path is empty")
	}
	if loc == nil {
		loc = time.Local
	}

	s := &Store{path: path, loc: loc, now: time.Now}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		s.cal = ical.NewCalendarFor("poolsync")
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("icsstore: read %s: %w", path, err)
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("icsstore: parse %s: %w", path, err)
	}
	s.cal = cal
	return s, nil
}

// ListEvents returns events overlapping date in the store's location.
func (s *Store) ListEvents(_ context.Context, date civil.Date) ([]model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dayStart := date.In(s.loc)
	dayEnd := date.AddDays(1).In(s.loc)

	var out []model.Event
	for _, ve := range s.cal.Events() {
		ev, err := s.toModel(ve)
		if err != nil {
			appLog.Warn("icsstore: skipping unreadable event", "id", ve.Id(), "err", err)
			continue
		}
		switch sp := ev.Span.(type) {
		case model.AllDay:
			if sp.Covers(date) {
				out = append(out, ev)
			}
		case model.Timed:
			if sp.Start.Before(dayEnd) && sp.End.After(dayStart) {
				out = append(out, ev)
			}
		}
	}
	return out, nil
}

// Create adds ev under a fresh UUID.
func (s *Store) Create(_ context.Context, ev model.Event) (model.Event, error) {
	if ev.ID != "" {
		return model.Event{}, fmt.Errorf("%w: create of existing event %s", model.ErrIdentityMisuse, ev.ID)
	}
	if err := ev.Validate(); err != nil {
		return model.Event{}, fmt.Errorf("icsstore: create: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ev.ID = uuid.NewString()
	ve := s.cal.AddEvent(ev.ID)
	ve.SetDtStampTime(s.now())
	s.apply(ve, ev)

	if err := s.save(); err != nil {
		return model.Event{}, err
	}
	appLog.Info("icsstore: event created", "id", ev.ID, "event", ev)
	return ev, nil
}

// Update merges ev into the stored VEVENT with the same UID.
func (s *Store) Update(_ context.Context, ev model.Event) error {
	if ev.ID == "" {
		return fmt.Errorf("%w: update of event without id", model.ErrIdentityMisuse)
	}
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("icsstore: update: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ve := s.find(ev.ID)
	if ve == nil {
		return fmt.Errorf("%w: event %s not found", model.ErrRequestFailed, ev.ID)
	}
	s.apply(ve, ev)
	ve.SetDtStampTime(s.now())
	return s.save()
}

// Delete removes ev. Started timed events are kept unless allowPast is set.
func (s *Store) Delete(_ context.Context, ev model.Event, allowPast bool) (bool, error) {
	if ev.ID == "" {
		return false, fmt.Errorf("%w: delete of event without id", model.ErrIdentityMisuse)
	}
	if !allowPast && ev.Protected(s.now()) {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.find(ev.ID) == nil {
		return false, nil
	}
	s.cal.RemoveEvent(ev.ID)
	if err := s.save(); err != nil {
		return false, err
	}
	appLog.Info("icsstore: event deleted", "id", ev.ID, "event", ev)
	return true, nil
}

func (s *Store) find(id string) *ical.VEvent {
	for _, ve := range s.cal.Events() {
		if ve.Id() == id {
			return ve
		}
	}
	return nil
}

func (s *Store) apply(ve *ical.VEvent, ev model.Event) {
	ve.SetSummary(ev.Title)
	ve.SetDescription(ev.Description)
	switch sp := ev.Span.(type) {
	case model.AllDay:
		ve.SetAllDayStartAt(sp.Date.In(time.UTC))
		ve.SetAllDayEndAt(sp.EndDate().In(time.UTC))
	case model.Timed:
		ve.SetStartAt(sp.Start)
		ve.SetEndAt(sp.End)
	}
}

func (s *Store) save() error {
	if err := config.WriteFileAtomic(s.path, []byte(s.cal.Serialize())); err != nil {
		return fmt.Errorf("%w: write %s: %w", model.ErrRequestFailed, s.path, err)
	}
	return nil
}

func (s *Store) toModel(ve *ical.VEvent) (model.Event, error) {
	ev := model.Event{ID: ve.Id()}
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		ev.Title = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		ev.Description = p.Value
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return model.Event{}, errors.New("missing DTSTART")
	}

	// VALUE=DATE or no 'T' in the value -> all-day
	if isDateValue(dtStart) {
		t, err := ve.GetAllDayStartAt()
		if err != nil {
			return model.Event{}, err
		}
		var end civil.Date
		if ve.GetProperty(ical.ComponentPropertyDtEnd) != nil {
			e, err := ve.GetAllDayEndAt()
			if err != nil {
				return model.Event{}, err
			}
			end = civil.DateOf(e)
		}
		ev.Span = model.NewAllDay(civil.DateOf(t), end)
		return ev, nil
	}

	start, err := ve.GetStartAt()
	if err != nil {
		return model.Event{}, err
	}
	end, err := ve.GetEndAt()
	if err != nil {
		return model.Event{}, err
	}
	ev.Span = model.Timed{Start: start.In(s.loc), End: end.In(s.loc)}
	return ev, ev.Validate()
}

func isDateValue(p *ical.IANAProperty) bool {
	if vs, ok := p.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		return true
	}
	return !strings.Contains(p.Value, "T")
}
