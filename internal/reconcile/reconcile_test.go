package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"poolsync/internal/model"
)

var (
	testLoc = time.FixedZone("CST", -6*60*60)
	day     = civil.Date{Year: 2026, Month: time.January, Day: 14}
	// Two days before day, so nothing on day is protected unless a test
	// moves the clock.
	defaultNow = civil.DateTime{Date: day.AddDays(-2), Time: clock(8, 0)}.In(testLoc)
)

const closedTitle = "CRWC Competition Pool: Closed"

func clock(h, m int) civil.Time {
	return civil.Time{Hour: h, Minute: m}
}

func entry(sh, sm, eh, em int, info string) model.Entry {
	return model.Entry{Status: "Open", Start: clock(sh, sm), End: clock(eh, em), Info: info}
}

func timedEvent(title string, sh, sm, eh, em int) model.Event {
	return model.Event{
		Title: title,
		Span:  model.NewTimed(day, clock(sh, sm), clock(eh, em), testLoc),
	}
}

func closedEvent() model.Event {
	return model.Event{Title: closedTitle, Span: model.AllDay{Date: day}}
}

func newTestReconciler(p Provider, now time.Time) *Reconciler {
	return New(p, Options{
		Location:     testLoc,
		ClosedTitle:  closedTitle,
		ClosedMarker: "Closed",
		Now:          func() time.Time { return now },
	})
}

func TestReconcile_ExactPartialMatch(t *testing.T) {
	p := newFakeProvider(
		timedEvent("Lap Swim", 6, 0, 9, 0),
		timedEvent("Family Swim", 12, 0, 15, 0),
	)
	r := newTestReconciler(p, defaultNow)

	sum, err := r.Reconcile(context.Background(), day, []model.Entry{
		entry(6, 0, 9, 0, "Lap Swim"),
		entry(16, 0, 18, 0, "Open Swim"),
	})
	require.NoError(t, err)
	require.NotNil(t, sum)

	assert.Equal(t, "2 -> 2", sum.String())
	assert.Equal(t, 1, sum.Matched)
	assert.Equal(t, 1, sum.Created)
	assert.Equal(t, 1, sum.Deleted)

	require.Len(t, p.updated, 1)
	assert.Equal(t, "ev-1", p.updated[0].ID)
	assert.Contains(t, p.updated[0].Description, "Last synced")

	require.Len(t, p.deleted, 1)
	assert.Equal(t, "ev-2", p.deleted[0].ID)

	require.Len(t, p.created, 1)
	assert.Equal(t, "Open Swim", p.created[0].Title)
	start, end, ok := p.created[0].TimesOfDay(testLoc)
	require.True(t, ok)
	assert.Equal(t, clock(16, 0), start)
	assert.Equal(t, clock(18, 0), end)
}

func TestReconcile_IdempotentUnderFullMatch(t *testing.T) {
	p := newFakeProvider()
	r := newTestReconciler(p, defaultNow)
	entries := []model.Entry{
		entry(6, 0, 9, 0, "Lap Swim"),
		entry(12, 0, 13, 30, "Open Swim"),
	}

	sum, err := r.Reconcile(context.Background(), day, entries)
	require.NoError(t, err)
	require.NotNil(t, sum)
	assert.Equal(t, "0 -> 2", sum.String())

	for run := 0; run < 2; run++ {
		p.resetCalls()
		sum, err = r.Reconcile(context.Background(), day, entries)
		require.NoError(t, err)
		assert.Nil(t, sum, "run %d", run)
		assert.Empty(t, p.created)
		assert.Empty(t, p.deleted)
		assert.Len(t, p.updated, 2)
	}
}

func TestReconcile_TitleChangeIsStillAMatch(t *testing.T) {
	p := newFakeProvider(timedEvent("Lap Swim", 6, 0, 9, 0))
	r := newTestReconciler(p, defaultNow)

	sum, err := r.Reconcile(context.Background(), day, []model.Entry{entry(6, 0, 9, 0, "Masters Practice")})
	require.NoError(t, err)
	assert.Nil(t, sum)
	require.Len(t, p.updated, 1)
	assert.Equal(t, "Lap Swim", p.updated[0].Title)
}

func TestReconcile_TimeExactMatchingOnly(t *testing.T) {
	p := newFakeProvider(timedEvent("Lap Swim", 6, 0, 9, 0))
	r := newTestReconciler(p, defaultNow)

	sum, err := r.Reconcile(context.Background(), day, []model.Entry{entry(6, 1, 9, 0, "Lap Swim")})
	require.NoError(t, err)
	require.NotNil(t, sum)

	assert.Empty(t, p.updated)
	require.Len(t, p.deleted, 1)
	require.Len(t, p.created, 1)
	assert.Equal(t, "1 -> 1", sum.String())
}

func TestReconcile_GreedyMatchUsesEachEntryOnce(t *testing.T) {
	p := newFakeProvider(
		timedEvent("A", 6, 0, 9, 0),
		timedEvent("B", 6, 0, 9, 0),
	)
	r := newTestReconciler(p, defaultNow)

	sum, err := r.Reconcile(context.Background(), day, []model.Entry{entry(6, 0, 9, 0, "Lap Swim")})
	require.NoError(t, err)
	require.NotNil(t, sum)

	require.Len(t, p.updated, 1)
	assert.Equal(t, "ev-1", p.updated[0].ID)
	require.Len(t, p.deleted, 1)
	assert.Equal(t, "ev-2", p.deleted[0].ID)
	assert.Empty(t, p.created)
	assert.Equal(t, "2 -> 1", sum.String())
}

func TestReconcile_DuplicateEntriesCreateTwoEvents(t *testing.T) {
	p := newFakeProvider(timedEvent("Lap Swim", 6, 0, 9, 0))
	r := newTestReconciler(p, defaultNow)

	sum, err := r.Reconcile(context.Background(), day, []model.Entry{
		entry(6, 0, 9, 0, "Lap Swim"),
		entry(6, 0, 9, 0, "Lap Swim"),
	})
	require.NoError(t, err)
	require.NotNil(t, sum)
	assert.Len(t, p.updated, 1)
	assert.Len(t, p.created, 1)
	assert.Equal(t, "1 -> 2", sum.String())
}

func TestReconcile_AllDayEventsNeverMatchTimedEntries(t *testing.T) {
	p := newFakeProvider(model.Event{Title: "Swim Meet", Span: model.AllDay{Date: day}})
	r := newTestReconciler(p, defaultNow)

	sum, err := r.Reconcile(context.Background(), day, []model.Entry{entry(0, 0, 23, 59, "Open Swim")})
	require.NoError(t, err)
	require.NotNil(t, sum)
	assert.Empty(t, p.updated)
	assert.Len(t, p.deleted, 1)
	assert.Len(t, p.created, 1)
}

func TestReconcile_ClosedToOpen(t *testing.T) {
	p := newFakeProvider(closedEvent())
	r := newTestReconciler(p, defaultNow)

	sum, err := r.Reconcile(context.Background(), day, []model.Entry{entry(6, 0, 9, 0, "Lap Swim")})
	require.NoError(t, err)
	require.NotNil(t, sum)
	assert.Equal(t, "Closed -> 1", sum.String())
	assert.Len(t, p.deleted, 1)
	assert.Len(t, p.created, 1)
}

func TestReconcile_PastEventProtection(t *testing.T) {
	// 10:00 on the reconciled day: the 06:00 slot has started, 12:00 has not.
	now := civil.DateTime{Date: day, Time: clock(10, 0)}.In(testLoc)
	p := newFakeProvider(
		timedEvent("Early Swim", 6, 0, 8, 0),
		timedEvent("Family Swim", 12, 0, 15, 0),
	)
	p.DeleteFunc = func(ev model.Event) (bool, error) {
		if ev.ID == "ev-1" {
			t.Fatalf("delete invoked for started event %s", ev)
		}
		return true, nil
	}
	r := newTestReconciler(p, now)

	sum, err := r.Reconcile(context.Background(), day, []model.Entry{entry(16, 0, 18, 0, "Open Swim")})
	require.NoError(t, err)
	require.NotNil(t, sum)

	require.Len(t, p.deleted, 1)
	assert.Equal(t, "ev-2", p.deleted[0].ID)
	assert.Equal(t, 1, sum.Protected)
	assert.Equal(t, 1, sum.Deleted)
	assert.Equal(t, 1, sum.Created)
	assert.Equal(t, "2 -> 1", sum.String())

	// The stale past event remains and is listed again next run.
	p.resetCalls()
	sum, err = r.Reconcile(context.Background(), day, []model.Entry{entry(16, 0, 18, 0, "Open Swim")})
	require.NoError(t, err)
	assert.Nil(t, sum)
	assert.Empty(t, p.deleted)
}

func TestReconcile_ProviderDeclinedDeleteIsNotCounted(t *testing.T) {
	p := newFakeProvider(timedEvent("Family Swim", 12, 0, 15, 0))
	p.DeleteFunc = func(model.Event) (bool, error) { return false, nil }
	r := newTestReconciler(p, defaultNow)

	sum, err := r.Reconcile(context.Background(), day, []model.Entry{entry(12, 0, 14, 0, "Family Swim")})
	require.NoError(t, err)
	require.NotNil(t, sum)
	assert.Equal(t, 0, sum.Deleted)
	assert.Equal(t, 1, sum.Created)
}

func TestReconcile_ClosedFromEmpty(t *testing.T) {
	p := newFakeProvider()
	r := newTestReconciler(p, defaultNow)

	sum, err := r.Reconcile(context.Background(), day, nil)
	require.NoError(t, err)
	require.NotNil(t, sum)
	assert.Equal(t, "Unknown -> Closed", sum.String())

	require.Len(t, p.created, 1)
	assert.Equal(t, closedTitle, p.created[0].Title)
	assert.Equal(t, model.AllDay{Date: day}, p.created[0].Span)

	// Converged: one closed event is refreshed only.
	p.resetCalls()
	sum, err = r.Reconcile(context.Background(), day, []model.Entry{})
	require.NoError(t, err)
	assert.Nil(t, sum)
	assert.Empty(t, p.created)
	assert.Empty(t, p.deleted)
	require.Len(t, p.updated, 1)
	assert.Contains(t, p.updated[0].Description, "Last synced: 2026-01-12 08:00")
}

func TestReconcile_OpenToClosed(t *testing.T) {
	p := newFakeProvider(
		timedEvent("Lap Swim", 6, 0, 9, 0),
		timedEvent("Open Swim", 12, 0, 15, 0),
		timedEvent("Lap Swim", 17, 0, 20, 0),
	)
	r := newTestReconciler(p, defaultNow)

	sum, err := r.Reconcile(context.Background(), day, nil)
	require.NoError(t, err)
	require.NotNil(t, sum)
	assert.Equal(t, "Open -> Closed", sum.String())
	assert.Len(t, p.deleted, 3)
	require.Len(t, p.created, 1)
	assert.True(t, p.created[0].IsAllDay())
	require.Len(t, p.events, 1)
}

func TestReconcile_OpenToClosedWithoutDeletionsReportsNothing(t *testing.T) {
	now := civil.DateTime{Date: day, Time: clock(23, 0)}.In(testLoc)
	p := newFakeProvider(
		timedEvent("Lap Swim", 6, 0, 9, 0),
		timedEvent("Open Swim", 12, 0, 15, 0),
	)
	r := newTestReconciler(p, now)

	sum, err := r.Reconcile(context.Background(), day, nil)
	require.NoError(t, err)
	assert.Nil(t, sum)
	assert.Empty(t, p.deleted)
	assert.Len(t, p.created, 1)
}

func TestReconcile_SingleNonClosedEventReplaced(t *testing.T) {
	p := newFakeProvider(timedEvent("Lap Swim", 6, 0, 9, 0))
	r := newTestReconciler(p, defaultNow)

	sum, err := r.Reconcile(context.Background(), day, nil)
	require.NoError(t, err)
	require.NotNil(t, sum)
	assert.Equal(t, "Unknown -> Closed", sum.String())
	assert.Len(t, p.deleted, 1)
	assert.Len(t, p.created, 1)
}

func TestReconcile_MalformedEntryFailsBeforeAnyCall(t *testing.T) {
	p := newFakeProvider(timedEvent("Lap Swim", 6, 0, 9, 0))
	r := newTestReconciler(p, defaultNow)

	_, err := r.Reconcile(context.Background(), day, []model.Entry{entry(9, 0, 6, 0, "Backwards")})
	require.ErrorIs(t, err, model.ErrMalformedEntry)
	assert.Zero(t, p.listed)
}

func TestReconcile_ProviderFailurePropagates(t *testing.T) {
	boom := errors.New("quota exceeded")
	p := newFakeProvider(timedEvent("Lap Swim", 6, 0, 9, 0))
	p.CreateFunc = func(model.Event) error {
		return errors.Join(model.ErrRequestFailed, boom)
	}
	r := newTestReconciler(p, defaultNow)

	_, err := r.Reconcile(context.Background(), day, []model.Entry{entry(10, 0, 11, 0, "Open Swim")})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrRequestFailed)
	assert.ErrorIs(t, err, boom)
	// Not transactional: the stale event was already removed.
	assert.Len(t, p.deleted, 1)
}

func TestReconcile_UpdateFailureStopsBeforeDeletesAndCreates(t *testing.T) {
	boom := errors.New("backend error")
	p := newFakeProvider(
		timedEvent("Lap Swim", 6, 0, 9, 0),
		timedEvent("Old Slot", 10, 0, 11, 0),
	)
	p.UpdateFunc = func(ev model.Event) error {
		return errors.Join(model.ErrRequestFailed, boom)
	}
	r := newTestReconciler(p, defaultNow)

	sum, err := r.Reconcile(context.Background(), day, []model.Entry{
		entry(6, 0, 9, 0, "Lap Swim"),
		entry(13, 0, 14, 0, "Open Swim"),
	})
	require.Error(t, err)
	assert.Nil(t, sum)
	assert.ErrorIs(t, err, model.ErrRequestFailed)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, p.updated)
	assert.Empty(t, p.deleted)
	assert.Empty(t, p.created)
}

func TestReconcile_ClosedRefreshFailurePropagates(t *testing.T) {
	p := newFakeProvider(closedEvent())
	p.UpdateFunc = func(model.Event) error { return model.ErrRequestFailed }
	r := newTestReconciler(p, defaultNow)

	sum, err := r.Reconcile(context.Background(), day, nil)
	require.ErrorIs(t, err, model.ErrRequestFailed)
	assert.Nil(t, sum)
	assert.Empty(t, p.created)
}

func TestReconcile_MatchesAcrossZones(t *testing.T) {
	// The provider may report instants in UTC; matching uses the facility zone.
	ev := timedEvent("Lap Swim", 6, 0, 9, 0)
	span := ev.Span.(model.Timed)
	ev.Span = model.Timed{Start: span.Start.UTC(), End: span.End.UTC()}
	p := newFakeProvider(ev)
	r := newTestReconciler(p, defaultNow)

	sum, err := r.Reconcile(context.Background(), day, []model.Entry{entry(6, 0, 9, 0, "Lap Swim")})
	require.NoError(t, err)
	assert.Nil(t, sum)
	assert.Len(t, p.updated, 1)
}
