package reconcile

import (
	"context"
	"fmt"

	"cloud.google.com/go/civil"

	"poolsync/internal/model"
)

// fakeProvider is an in-memory Provider that records every call.
type fakeProvider struct {
	events []model.Event
	nextID int

	listed  int
	created []model.Event
	updated []model.Event
	deleted []model.Event

	CreateFunc func(ev model.Event) error
	UpdateFunc func(ev model.Event) error
	DeleteFunc func(ev model.Event) (bool, error)
}

func newFakeProvider(events ...model.Event) *fakeProvider {
	p := &fakeProvider{}
	for _, ev := range events {
		p.nextID++
		ev.ID = fmt.Sprintf("ev-%d", p.nextID)
		p.events = append(p.events, ev)
	}
	return p
}

func (p *fakeProvider) ListEvents(_ context.Context, _ civil.Date) ([]model.Event, error) {
	p.listed++
	out := make([]model.Event, len(p.events))
	copy(out, p.events)
	return out, nil
}

func (p *fakeProvider) Create(_ context.Context, ev model.Event) (model.Event, error) {
	if ev.ID != "" {
		return model.Event{}, model.ErrIdentityMisuse
	}
	if p.CreateFunc != nil {
		if err := p.CreateFunc(ev); err != nil {
			return model.Event{}, err
		}
	}
	p.nextID++
	ev.ID = fmt.Sprintf("ev-%d", p.nextID)
	p.events = append(p.events, ev)
	p.created = append(p.created, ev)
	return ev, nil
}

func (p *fakeProvider) Update(_ context.Context, ev model.Event) error {
	if ev.ID == "" {
		return model.ErrIdentityMisuse
	}
	if p.UpdateFunc != nil {
		if err := p.UpdateFunc(ev); err != nil {
			return err
		}
	}
	for i := range p.events {
		if p.events[i].ID == ev.ID {
			p.events[i].Description = ev.Description
		}
	}
	p.updated = append(p.updated, ev)
	return nil
}

func (p *fakeProvider) Delete(_ context.Context, ev model.Event, _ bool) (bool, error) {
	if ev.ID == "" {
		return false, model.ErrIdentityMisuse
	}
	if p.DeleteFunc != nil {
		ok, err := p.DeleteFunc(ev)
		if err != nil || !ok {
			return ok, err
		}
	}
	for i := range p.events {
		if p.events[i].ID == ev.ID {
			p.events = append(p.events[:i], p.events[i+1:]...)
			break
		}
	}
	p.deleted = append(p.deleted, ev)
	return true, nil
}

func (p *fakeProvider) resetCalls() {
	p.listed = 0
	p.created = nil
	p.updated = nil
	p.deleted = nil
}
