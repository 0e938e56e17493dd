package scrape

import (
	"context"
	"fmt"

	"cloud.google.com/go/civil"
	"golang.org/x/time/rate"

	appLog "poolsync/internal/log"
	"poolsync/internal/model"
)

// Fetcher returns the raw hours HTML fragment for a date.
type Fetcher interface {
	Fragment(ctx context.Context, date civil.Date) (string, error)
}

// Source turns fetched fragments into schedule entries. Requests through
// one Source share a rate limiter so concurrent prefetches stay polite.
type Source struct {
	fetcher Fetcher
	limiter *rate.Limiter
}

// NewSource wraps f, allowing at most rps requests per second (burst 1).
// rps <= 0 disables throttling.
func NewSource(f Fetcher, rps float64) *Source {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &Source{fetcher: f, limiter: rate.NewLimiter(limit, 1)}
}

// Entries returns the schedule for date; an empty slice means closed.
func (s *Source) Entries(ctx context.Context, date civil.Date) ([]model.Entry, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("scrape %s: %w: %w", date, model.ErrSourceUnavailable, err)
	}

	fragment, err := s.fetcher.Fragment(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("scrape %s: %w", date, err)
	}

	entries, err := ParseFragment(fragment)
	if err != nil {
		return nil, fmt.Errorf("scrape %s: %w", date, err)
	}

	appLog.Debug("hours parsed", "date", date, "entries", len(entries))
	return entries, nil
}
