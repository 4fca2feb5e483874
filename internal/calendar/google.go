package calendar

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BizMitra/BizMitra/internal/models"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

// GoogleProvider implements Provider on the Google Calendar v3 API.
type GoogleProvider struct {
	oauth    *OAuth
	endpoint string
}

var _ Provider = (*GoogleProvider)(nil)

// GoogleOption configures a GoogleProvider.
type GoogleOption func(*GoogleProvider)

// WithAPIEndpoint overrides the Calendar API base URL.
func WithAPIEndpoint(endpoint string) GoogleOption {
	return func(p *GoogleProvider) { p.endpoint = endpoint }
}

// NewGoogleProvider creates a provider that authorizes calls through oauth.
func NewGoogleProvider(oauth *OAuth, opts ...GoogleOption) *GoogleProvider {
	p := &GoogleProvider{oauth: oauth}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *GoogleProvider) service(ctx context.Context, cred string) (*gcal.Service, error) {
	if cred == "" {
		return nil, models.ErrNoCalendarAccess
	}
	opts := []option.ClientOption{option.WithHTTPClient(p.oauth.Client(ctx, cred))}
	if p.endpoint != "" {
		opts = append(opts, option.WithEndpoint(p.endpoint))
	}
	svc, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return svc, nil
}

func (p *GoogleProvider) QueryFreeBusy(ctx context.Context, cred, calendarID string, start, end time.Time) ([]BusySlot, error) {
	svc, err := p.service(ctx, cred)
	if err != nil {
		return nil, err
	}
	resp, err := svc.Freebusy.Query(&gcal.FreeBusyRequest{
		TimeMin: start.Format(time.RFC3339),
		TimeMax: end.Format(time.RFC3339),
		Items:   []*gcal.FreeBusyRequestItem{{Id: calendarID}},
	}).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("freebusy query failed: %w", err)
	}

	// A missing entry would otherwise read as a free calendar.
	cal, ok := resp.Calendars[calendarID]
	if !ok {
		return nil, fmt.Errorf("freebusy response has no entry for calendar %s", calendarID)
	}
	if len(cal.Errors) > 0 {
		return nil, fmt.Errorf("freebusy query for %s failed: %s", calendarID, cal.Errors[0].Reason)
	}
	slots := make([]BusySlot, 0, len(cal.Busy))
	for _, period := range cal.Busy {
		s, err := time.Parse(time.RFC3339, period.Start)
		if err != nil {
			return nil, fmt.Errorf("invalid busy start %q: %w", period.Start, err)
		}
		e, err := time.Parse(time.RFC3339, period.End)
		if err != nil {
			return nil, fmt.Errorf("invalid busy end %q: %w", period.End, err)
		}
		slots = append(slots, BusySlot{Start: s, End: e})
	}
	slog.Debug("GoogleProvider.QueryFreeBusy", "calendarID", calendarID, "busy", len(slots))
	return slots, nil
}

func (p *GoogleProvider) ListEvents(ctx context.Context, cred, calendarID string, start, end time.Time) ([]Event, error) {
	svc, err := p.service(ctx, cred)
	if err != nil {
		return nil, err
	}
	resp, err := svc.Events.List(calendarID).
		TimeMin(start.Format(time.RFC3339)).
		TimeMax(end.Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime").
		Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("list events failed: %w", err)
	}
	events := make([]Event, 0, len(resp.Items))
	for _, item := range resp.Items {
		ev, err := fromGoogleEvent(item)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func (p *GoogleProvider) CreateEvent(ctx context.Context, cred, calendarID string, start, end time.Time, summary string) (Event, error) {
	svc, err := p.service(ctx, cred)
	if err != nil {
		return Event{}, err
	}
	created, err := svc.Events.Insert(calendarID, &gcal.Event{
		Summary: summary,
		Start:   &gcal.EventDateTime{DateTime: start.Format(time.RFC3339)},
		End:     &gcal.EventDateTime{DateTime: end.Format(time.RFC3339)},
	}).Context(ctx).Do()
	if err != nil {
		return Event{}, fmt.Errorf("create event failed: %w", err)
	}
	slog.Debug("GoogleProvider.CreateEvent", "calendarID", calendarID, "eventID", created.Id)
	return fromGoogleEvent(created)
}

func (p *GoogleProvider) UpdateEvent(ctx context.Context, cred, calendarID, eventID string, start, end time.Time, summary string) (Event, error) {
	svc, err := p.service(ctx, cred)
	if err != nil {
		return Event{}, err
	}
	patch := &gcal.Event{
		Start: &gcal.EventDateTime{DateTime: start.Format(time.RFC3339)},
		End:   &gcal.EventDateTime{DateTime: end.Format(time.RFC3339)},
	}
	if summary != "" {
		patch.Summary = summary
	}
	updated, err := svc.Events.Patch(calendarID, eventID, patch).Context(ctx).Do()
	if err != nil {
		return Event{}, fmt.Errorf("update event %s failed: %w", eventID, err)
	}
	return fromGoogleEvent(updated)
}

func (p *GoogleProvider) GetOrCreateSchedulingCalendar(ctx context.Context, cred string) (string, error) {
	svc, err := p.service(ctx, cred)
	if err != nil {
		return "", err
	}
	list, err := svc.CalendarList.List().Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("list calendars failed: %w", err)
	}
	for _, item := range list.Items {
		if item.Summary == SchedulingCalendarSummary {
			return item.Id, nil
		}
	}

	created, err := svc.Calendars.Insert(&gcal.Calendar{
		Summary:  SchedulingCalendarSummary,
		TimeZone: SchedulingCalendarTimezone,
	}).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("create scheduling calendar failed: %w", err)
	}
	slog.Info("GoogleProvider.GetOrCreateSchedulingCalendar: created calendar", "calendarID", created.Id)
	return created.Id, nil
}

func fromGoogleEvent(item *gcal.Event) (Event, error) {
	ev := Event{ID: item.Id, Summary: item.Summary, Status: item.Status}
	var err error
	if ev.Start, err = parseEventTime(item.Start); err != nil {
		return Event{}, fmt.Errorf("event %s start: %w", item.Id, err)
	}
	if ev.End, err = parseEventTime(item.End); err != nil {
		return Event{}, fmt.Errorf("event %s end: %w", item.Id, err)
	}
	if ev.Status == "" {
		ev.Status = EventStatusConfirmed
	}
	return ev, nil
}

// parseEventTime reads a timed or all-day event boundary.
func parseEventTime(dt *gcal.EventDateTime) (time.Time, error) {
	if dt == nil {
		return time.Time{}, nil
	}
	if dt.DateTime != "" {
		return time.Parse(time.RFC3339, dt.DateTime)
	}
	if dt.Date != "" {
		return time.Parse("2006-01-02", dt.Date)
	}
	return time.Time{}, nil
}
