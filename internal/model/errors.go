package model

import "errors"

var (
	// ErrSourceUnavailable is returned when the hours page could not be
	// fetched or parsed. Callers skip the date; it is never treated as closed.
	ErrSourceUnavailable = errors.New("schedule source unavailable")

	// ErrMalformedEntry is returned when a scraped item lacks a well-formed
	// start/end time pair.
	ErrMalformedEntry = errors.New("malformed schedule entry")

	// ErrRequestFailed wraps any failed list/create/update/delete call to a
	// calendar provider.
	ErrRequestFailed = errors.New("calendar request failed")

	// ErrIdentityMisuse is returned, before any provider call, for create on
	// an event that already has an ID or update/delete on one without.
	ErrIdentityMisuse = errors.New("calendar event identity misuse")
)
