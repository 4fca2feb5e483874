// Package calendar provides the scheduling calendar used for bookings.
//
// A Provider talks to a business's calendar on behalf of the business,
// identified by its stored OAuth refresh token (the credential). The Google
// implementation uses the Calendar v3 API; MemoryProvider keeps events in
// memory for tests and local runs.
package calendar

import (
	"context"
	"time"
)

// Scheduling calendar created in every connected Google account.
const (
	SchedulingCalendarSummary  = "BizMitra_Scheduler"
	SchedulingCalendarTimezone = "Europe/London"
)

// Event status values reported by the calendar.
const (
	EventStatusConfirmed = "confirmed"
	EventStatusTentative = "tentative"
	EventStatusCancelled = "cancelled"
)

// BusySlot is an occupied interval of a calendar.
type BusySlot struct {
	Start time.Time
	End   time.Time
}

// Event is a calendar event.
type Event struct {
	ID      string
	Summary string
	Start   time.Time
	End     time.Time
	Status  string
}

// Overlaps reports whether the event intersects [start, end).
func (e Event) Overlaps(start, end time.Time) bool {
	return e.Start.Before(end) && e.End.After(start)
}

// Provider is the calendar capability the tool executor needs.
type Provider interface {
	QueryFreeBusy(ctx context.Context, cred, calendarID string, start, end time.Time) ([]BusySlot, error)
	ListEvents(ctx context.Context, cred, calendarID string, start, end time.Time) ([]Event, error)
	CreateEvent(ctx context.Context, cred, calendarID string, start, end time.Time, summary string) (Event, error)
	// UpdateEvent moves an event; an empty summary leaves the summary unchanged.
	UpdateEvent(ctx context.Context, cred, calendarID, eventID string, start, end time.Time, summary string) (Event, error)
	GetOrCreateSchedulingCalendar(ctx context.Context, cred string) (string, error)
}
