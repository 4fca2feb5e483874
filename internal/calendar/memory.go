package calendar

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BizMitra/BizMitra/internal/models"
	"github.com/google/uuid"
)

// MemoryProvider is an in-memory Provider.
type MemoryProvider struct {
	mu        sync.Mutex
	calendars map[string]string  // credential -> calendar id
	events    map[string][]Event // calendar id -> events

	// CreateErr and UpdateErr, when set, are returned by the matching call.
	CreateErr error
	UpdateErr error
}

var _ Provider = (*MemoryProvider)(nil)

// NewMemoryProvider creates an empty in-memory calendar.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		calendars: make(map[string]string),
		events:    make(map[string][]Event),
	}
}

func (m *MemoryProvider) overlapping(calendarID string, start, end time.Time) []Event {
	var out []Event
	for _, ev := range m.events[calendarID] {
		if ev.Status != EventStatusCancelled && ev.Overlaps(start, end) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

func (m *MemoryProvider) QueryFreeBusy(ctx context.Context, cred, calendarID string, start, end time.Time) ([]BusySlot, error) {
	if cred == "" {
		return nil, models.ErrNoCalendarAccess
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var slots []BusySlot
	for _, ev := range m.overlapping(calendarID, start, end) {
		slots = append(slots, BusySlot{Start: ev.Start, End: ev.End})
	}
	return slots, nil
}

func (m *MemoryProvider) ListEvents(ctx context.Context, cred, calendarID string, start, end time.Time) ([]Event, error) {
	if cred == "" {
		return nil, models.ErrNoCalendarAccess
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overlapping(calendarID, start, end), nil
}

func (m *MemoryProvider) CreateEvent(ctx context.Context, cred, calendarID string, start, end time.Time, summary string) (Event, error) {
	if cred == "" {
		return Event{}, models.ErrNoCalendarAccess
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateErr != nil {
		return Event{}, m.CreateErr
	}
	ev := Event{ID: "evt_" + uuid.NewString(), Summary: summary, Start: start, End: end, Status: EventStatusConfirmed}
	m.events[calendarID] = append(m.events[calendarID], ev)
	return ev, nil
}

func (m *MemoryProvider) UpdateEvent(ctx context.Context, cred, calendarID, eventID string, start, end time.Time, summary string) (Event, error) {
	if cred == "" {
		return Event{}, models.ErrNoCalendarAccess
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UpdateErr != nil {
		return Event{}, m.UpdateErr
	}
	events := m.events[calendarID]
	for i := range events {
		if events[i].ID != eventID {
			continue
		}
		events[i].Start, events[i].End = start, end
		if summary != "" {
			events[i].Summary = summary
		}
		return events[i], nil
	}
	return Event{}, fmt.Errorf("event %s not found in calendar %s", eventID, calendarID)
}

func (m *MemoryProvider) GetOrCreateSchedulingCalendar(ctx context.Context, cred string) (string, error) {
	if cred == "" {
		return "", models.ErrNoCalendarAccess
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.calendars[cred]; ok {
		return id, nil
	}
	id := "cal_" + uuid.NewString()
	m.calendars[cred] = id
	return id, nil
}

// AddEvent places an event directly on a calendar.
func (m *MemoryProvider) AddEvent(calendarID string, ev Event) Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.ID == "" {
		ev.ID = "evt_" + uuid.NewString()
	}
	if ev.Status == "" {
		ev.Status = EventStatusConfirmed
	}
	m.events[calendarID] = append(m.events[calendarID], ev)
	return ev
}

// Events returns a copy of a calendar's events.
func (m *MemoryProvider) Events(calendarID string) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events[calendarID]...)
}
