// Package gcal implements the reconcile.Provider contract on top of the
// Google Calendar v3 API.
package gcal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"cloud.google.com/go/civil"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"poolsync/internal/config"
	appLog "poolsync/internal/log"
	"poolsync/internal/model"
)

// Provider reads and writes one Google calendar.
type Provider struct {
	svc        *calendar.Service
	calendarID string
	loc        *time.Location
	now        func() time.Time
}

// New creates a Provider authenticated with the service-account key in
// cal.CredentialsFile. Extra options (endpoint, HTTP client) are appended.
func New(ctx context.Context, cal config.Calendar, extra ...option.ClientOption) (*Provider, error) {
	if cal.CalendarID == "" {
		return nil, errors.New("gcal: calendar id is empty")
	}
	if cal.Location == nil {
		return nil, errors.New("gcal: location is nil")
	}

	opts := []option.ClientOption{option.WithScopes(calendar.CalendarScope)}
	if cal.CredentialsFile != "" {
		if _, err := os.Stat(cal.CredentialsFile); err != nil {
			return nil, fmt.Errorf("gcal: service account key not found at %s: %w", cal.CredentialsFile, err)
		}
		opts = append(opts, option.WithCredentialsFile(cal.CredentialsFile))
	}
	opts = append(opts, extra...)

	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcal: failed to create calendar service: %w", err)
	}

	return &Provider{
		svc:        svc,
		calendarID: cal.CalendarID,
		loc:        cal.Location,
		now:        time.Now,
	}, nil
}

// ListEvents returns the single (expanded) events overlapping date in the
// calendar's location, ordered by start time.
func (p *Provider) ListEvents(ctx context.Context, date civil.Date) ([]model.Event, error) {
	dayStart := date.In(p.loc)
	dayEnd := date.AddDays(1).In(p.loc)

	var out []model.Event
	call := p.svc.Events.List(p.calendarID).
		TimeMin(dayStart.Format(time.RFC3339)).
		TimeMax(dayEnd.Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime")

	err := call.Pages(ctx, func(page *calendar.Events) error {
		for _, item := range page.Items {
			ev, err := p.toModel(item)
			if err != nil {
				// Unreadable events are left alone rather than deleted.
				appLog.Warn("gcal: skipping unreadable event", "id", item.Id, "err", err)
				continue
			}
			out = append(out, ev)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %w", model.ErrRequestFailed, date, err)
	}
	return out, nil
}

// Create inserts ev and returns it with the assigned ID.
func (p *Provider) Create(ctx context.Context, ev model.Event) (model.Event, error) {
	if ev.ID != "" {
		return model.Event{}, fmt.Errorf("%w: create of existing event %s", model.ErrIdentityMisuse, ev.ID)
	}
	if err := ev.Validate(); err != nil {
		return model.Event{}, fmt.Errorf("gcal: create: %w", err)
	}

	body := &calendar.Event{Summary: ev.Title, Description: ev.Description}
	p.applySpan(body, ev.Span)

	created, err := p.svc.Events.Insert(p.calendarID, body).Context(ctx).Do()
	if err != nil {
		return model.Event{}, fmt.Errorf("%w: insert %s: %w", model.ErrRequestFailed, ev, err)
	}
	appLog.Info("gcal: event created", "id", created.Id, "event", ev, "link", created.HtmlLink)

	ev.ID = created.Id
	return ev, nil
}

// Update merges ev's title, description and span into the stored event and
// writes it back; every other stored field (colour, reminders, attendees,
// extended properties) is preserved.
func (p *Provider) Update(ctx context.Context, ev model.Event) error {
	if ev.ID == "" {
		return fmt.Errorf("%w: update of event without id", model.ErrIdentityMisuse)
	}
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("gcal: update: %w", err)
	}

	stored, err := p.svc.Events.Get(p.calendarID, ev.ID).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("%w: get %s: %w", model.ErrRequestFailed, ev.ID, err)
	}

	stored.Summary = ev.Title
	stored.Description = ev.Description
	p.applySpan(stored, ev.Span)

	if _, err := p.svc.Events.Update(p.calendarID, ev.ID, stored).Context(ctx).Do(); err != nil {
		return fmt.Errorf("%w: update %s: %w", model.ErrRequestFailed, ev.ID, err)
	}
	appLog.Debug("gcal: event updated", "id", ev.ID, "event", ev)
	return nil
}

// Delete removes ev. Started timed events are kept (false, nil) unless
// allowPast is set. An event that is already gone also reports false.
func (p *Provider) Delete(ctx context.Context, ev model.Event, allowPast bool) (bool, error) {
	if ev.ID == "" {
		return false, fmt.Errorf("%w: delete of event without id", model.ErrIdentityMisuse)
	}
	if !allowPast && ev.Protected(p.now()) {
		appLog.Debug("gcal: keeping started event", "id", ev.ID, "event", ev)
		return false, nil
	}

	err := p.svc.Events.Delete(p.calendarID, ev.ID).Context(ctx).Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && (gerr.Code == http.StatusNotFound || gerr.Code == http.StatusGone) {
			appLog.Warn("gcal: event already deleted", "id", ev.ID)
			return false, nil
		}
		return false, fmt.Errorf("%w: delete %s: %w", model.ErrRequestFailed, ev.ID, err)
	}
	appLog.Info("gcal: event deleted", "id", ev.ID, "event", ev)
	return true, nil
}

func (p *Provider) applySpan(dst *calendar.Event, span model.Span) {
	switch s := span.(type) {
	case model.AllDay:
		// End.Date is exclusive: the day after the last covered day.
		dst.Start = &calendar.EventDateTime{Date: s.Date.String()}
		dst.End = &calendar.EventDateTime{Date: s.EndDate().String()}
	case model.Timed:
		dst.Start = &calendar.EventDateTime{
			DateTime: s.Start.In(p.loc).Format(time.RFC3339),
			TimeZone: p.loc.String(),
		}
		dst.End = &calendar.EventDateTime{
			DateTime: s.End.In(p.loc).Format(time.RFC3339),
			TimeZone: p.loc.String(),
		}
	}
}

func (p *Provider) toModel(item *calendar.Event) (model.Event, error) {
	if item.Start == nil || item.End == nil {
		return model.Event{}, errors.New("missing start or end")
	}
	ev := model.Event{
		ID:          item.Id,
		Title:       item.Summary,
		Description: item.Description,
	}

	if item.Start.Date != "" {
		d, err := civil.ParseDate(item.Start.Date)
		if err != nil {
			return model.Event{}, err
		}
		// End.Date is exclusive; keep it so an Update does not shrink a
		// multi-day event.
		var end civil.Date
		if item.End.Date != "" {
			if end, err = civil.ParseDate(item.End.Date); err != nil {
				return model.Event{}, err
			}
		}
		ev.Span = model.NewAllDay(d, end)
		return ev, nil
	}

	start, err := time.Parse(time.RFC3339, item.Start.DateTime)
	if err != nil {
		return model.Event{}, err
	}
	end, err := time.Parse(time.RFC3339, item.End.DateTime)
	if err != nil {
		return model.Event{}, err
	}
	ev.Span = model.Timed{Start: start.In(p.loc), End: end.In(p.loc)}
	return ev, ev.Validate()
}
