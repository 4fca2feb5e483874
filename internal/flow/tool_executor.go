package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BizMitra/BizMitra/internal/calendar"
	"github.com/BizMitra/BizMitra/internal/models"
	"github.com/BizMitra/BizMitra/internal/store"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
)

// Tool result texts handed back to the model.
const (
	ResultTaskCreated          = "Task created successfully"
	ResultTaskFailed           = "Task creation unsuccessful, try again"
	ResultSlotOccupied         = "Slot occupied, please try another"
	ResultBookingSuccessful    = "Booking successful!"
	ResultBookingFailed        = "booking not successful, try again"
	ResultBookingNotFound      = "Booking to update not found, try again."
	ResultRescheduleOccupied   = "Slot occupied, please ask for another slot for rescheduling"
	ResultRescheduleSuccessful = "Booking Update Successful!"
	ResultRescheduleFailed     = "Booking update not successful, try again"
	ResultAppointmentsFailed   = "Could not load appointments, try again"
)

const calendarIDCacheTTL = time.Hour

// ToolStore is the persistence the ToolExecutor needs.
type ToolStore interface {
	store.BusinessRepo
	store.ClientRepo
	store.ThreadRepo
	store.BookingRepo
	store.TaskRepo
}

// ToolExecutor runs the side effects of the four assistant tools on behalf of a thread.
type ToolExecutor struct {
	st          ToolStore
	cal         calendar.Provider
	calendarIDs *cache.Cache
}

// NewToolExecutor creates a ToolExecutor.
func NewToolExecutor(st ToolStore, cal calendar.Provider) *ToolExecutor {
	return &ToolExecutor{
		st:          st,
		cal:         cal,
		calendarIDs: cache.New(calendarIDCacheTTL, 10*time.Minute),
	}
}

// Execute runs one tool call for threadID and returns the text handed back to the model.
//
// Business outcomes such as a busy slot are returned as text with a nil error. Unknown
// tools and unusable arguments wrap models.ErrMalformedToolCall. Tool-level failures are
// *models.ToolExecutionError carrying the text for the model. A *models.InconsistencyError
// means a calendar write succeeded but the booking row did not. Any other error is an
// infrastructure failure loading the thread context.
func (e *ToolExecutor) Execute(ctx context.Context, threadID, name string, args json.RawMessage) (string, error) {
	if !models.IsValidToolName(name) {
		return "", fmt.Errorf("%w: unknown tool %q", models.ErrMalformedToolCall, name)
	}

	thread, err := e.st.GetThread(ctx, threadID)
	if err != nil {
		return "", fmt.Errorf("failed to load thread %s: %w", threadID, err)
	}

	slog.Debug("ToolExecutor.Execute", "threadID", threadID, "tool", name, "arguments", formatToolArgumentsForLog(args))

	switch models.ToolName(name) {
	case models.ToolCreateOwnerTask:
		var a models.CreateOwnerTaskArgs
		if err := decodeToolArgs(args, &a); err != nil {
			return "", err
		}
		if err := a.Validate(); err != nil {
			return "", fmt.Errorf("%w: %s: %w", models.ErrMalformedToolCall, name, err)
		}
		return e.createOwnerTask(ctx, thread, a)
	case models.ToolScheduleAppointment:
		var a models.ScheduleAppointmentArgs
		if err := decodeToolArgs(args, &a); err != nil {
			return "", err
		}
		if err := a.Validate(); err != nil {
			return "", fmt.Errorf("%w: %s: %w", models.ErrMalformedToolCall, name, err)
		}
		return e.scheduleAppointment(ctx, thread, a)
	case models.ToolRescheduleAppointment:
		var a models.RescheduleAppointmentArgs
		if err := decodeToolArgs(args, &a); err != nil {
			return "", err
		}
		if err := a.Validate(); err != nil {
			return "", fmt.Errorf("%w: %s: %w", models.ErrMalformedToolCall, name, err)
		}
		return e.rescheduleAppointment(ctx, thread, a)
	default:
		return e.getClientAppointments(ctx, thread)
	}
}

func decodeToolArgs(args json.RawMessage, v interface{}) error {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("%w: invalid arguments: %w", models.ErrMalformedToolCall, err)
	}
	return nil
}

func (e *ToolExecutor) createOwnerTask(ctx context.Context, thread *models.Thread, a models.CreateOwnerTaskArgs) (string, error) {
	task := &models.OwnerTask{
		BusinessID:  thread.BusinessID,
		ClientID:    thread.ClientID,
		Description: a.TaskDescription,
		Priority:    models.TaskPriority(a.Priority),
		Status:      models.TaskStatusOpen,
	}
	if err := e.st.CreateTask(ctx, task); err != nil {
		return "", &models.ToolExecutionError{Tool: string(models.ToolCreateOwnerTask), Message: ResultTaskFailed, Err: err}
	}
	slog.Info("ToolExecutor.createOwnerTask: task created", "threadID", thread.ID, "taskID", task.ID, "priority", task.Priority)
	return ResultTaskCreated, nil
}

// schedulingCalendar resolves the business credential and its scheduling calendar id.
func (e *ToolExecutor) schedulingCalendar(ctx context.Context, businessID string) (string, string, error) {
	business, err := e.st.GetBusiness(ctx, businessID)
	if err != nil {
		return "", "", err
	}
	cred := business.GCalRefreshToken
	if cred == "" {
		return "", "", models.ErrNoCalendarAccess
	}
	key := businessID + ":" + cred
	if id, ok := e.calendarIDs.Get(key); ok {
		return cred, id.(string), nil
	}
	id, err := e.cal.GetOrCreateSchedulingCalendar(ctx, cred)
	if err != nil {
		return "", "", err
	}
	e.calendarIDs.Set(key, id, cache.DefaultExpiration)
	return cred, id, nil
}

func (e *ToolExecutor) clientName(ctx context.Context, clientID string) string {
	client, err := e.st.GetClient(ctx, clientID)
	if err != nil || client.Name == "" {
		return "user"
	}
	return client.Name
}

func (e *ToolExecutor) scheduleAppointment(ctx context.Context, thread *models.Thread, a models.ScheduleAppointmentArgs) (string, error) {
	tool := string(models.ToolScheduleAppointment)
	start, end, _ := a.Window()

	cred, calendarID, err := e.schedulingCalendar(ctx, thread.BusinessID)
	if err != nil {
		return "", &models.ToolExecutionError{Tool: tool, Message: ResultBookingFailed, Err: err}
	}

	busy, err := e.cal.QueryFreeBusy(ctx, cred, calendarID, start, end)
	if err != nil {
		return "", &models.ToolExecutionError{Tool: tool, Message: ResultBookingFailed, Err: err}
	}
	for _, slot := range busy {
		if slot.Start.Before(end) && slot.End.After(start) {
			slog.Info("ToolExecutor.scheduleAppointment: slot occupied", "threadID", thread.ID, "start", start, "end", end)
			return ResultSlotOccupied, nil
		}
	}

	summary := a.AppointmentDescription + "// " + e.clientName(ctx, thread.ClientID)
	event, err := e.cal.CreateEvent(ctx, cred, calendarID, start, end, summary)
	if err != nil {
		return "", &models.ToolExecutionError{Tool: tool, Message: ResultBookingFailed, Err: err}
	}

	booking := &models.Booking{
		ID:          uuid.NewString(),
		BusinessID:  thread.BusinessID,
		ClientID:    thread.ClientID,
		Description: a.AppointmentDescription,
		StartTime:   event.Start,
		EndTime:     event.End,
		EventID:     event.ID,
		Status:      bookingStatus(event.Status),
	}
	if err := e.st.CreateBooking(ctx, booking); err != nil {
		return "", &models.InconsistencyError{
			Tool: tool, BusinessID: thread.BusinessID, ClientID: thread.ClientID,
			BookingID: booking.ID, EventID: event.ID, Booking: booking, Err: err,
		}
	}
	slog.Info("ToolExecutor.scheduleAppointment: booked", "threadID", thread.ID, "bookingID", booking.ID, "eventID", event.ID)
	return ResultBookingSuccessful, nil
}

func (e *ToolExecutor) rescheduleAppointment(ctx context.Context, thread *models.Thread, a models.RescheduleAppointmentArgs) (string, error) {
	tool := string(models.ToolRescheduleAppointment)
	start, end, _ := a.Window()

	booking, err := e.st.GetBooking(ctx, a.BookingID)
	if err != nil && !errors.Is(err, models.ErrBookingNotFound) {
		return "", fmt.Errorf("failed to load booking %s: %w", a.BookingID, err)
	}
	if err != nil || booking.BusinessID != thread.BusinessID || booking.ClientID != thread.ClientID {
		return "", &models.ToolExecutionError{Tool: tool, Message: ResultBookingNotFound, Err: models.ErrBookingNotFound}
	}

	cred, calendarID, err := e.schedulingCalendar(ctx, thread.BusinessID)
	if err != nil {
		return "", &models.ToolExecutionError{Tool: tool, Message: ResultRescheduleFailed, Err: err}
	}

	events, err := e.cal.ListEvents(ctx, cred, calendarID, start, end)
	if err != nil {
		return "", &models.ToolExecutionError{Tool: tool, Message: ResultRescheduleFailed, Err: err}
	}
	for _, ev := range events {
		if ev.ID == booking.EventID || ev.Status == calendar.EventStatusCancelled {
			continue
		}
		if ev.Overlaps(start, end) {
			slog.Info("ToolExecutor.rescheduleAppointment: slot occupied", "threadID", thread.ID, "bookingID", booking.ID)
			return ResultRescheduleOccupied, nil
		}
	}

	var summary string
	if a.NewAppointmentDescription != "" {
		summary = a.NewAppointmentDescription + "// " + e.clientName(ctx, thread.ClientID)
	}
	event, err := e.cal.UpdateEvent(ctx, cred, calendarID, booking.EventID, start, end, summary)
	if err != nil {
		return "", &models.ToolExecutionError{Tool: tool, Message: ResultRescheduleFailed, Err: err}
	}

	booking.StartTime, booking.EndTime = event.Start, event.End
	booking.Status = bookingStatus(event.Status)
	if a.NewAppointmentDescription != "" {
		booking.Description = a.NewAppointmentDescription
	}
	if err := e.st.UpdateBooking(ctx, booking); err != nil {
		return "", &models.InconsistencyError{
			Tool: tool, BusinessID: thread.BusinessID, ClientID: thread.ClientID,
			BookingID: booking.ID, EventID: event.ID, Booking: booking, Err: err,
		}
	}
	slog.Info("ToolExecutor.rescheduleAppointment: updated", "threadID", thread.ID, "bookingID", booking.ID, "eventID", event.ID)
	return ResultRescheduleSuccessful, nil
}

func (e *ToolExecutor) getClientAppointments(ctx context.Context, thread *models.Thread) (string, error) {
	tool := string(models.ToolGetClientAppointments)
	bookings, err := e.st.ListClientBookings(ctx, thread.BusinessID, thread.ClientID)
	if err != nil {
		return "", &models.ToolExecutionError{Tool: tool, Message: ResultAppointmentsFailed, Err: err}
	}

	loc := time.UTC
	if business, err := e.st.GetBusiness(ctx, thread.BusinessID); err == nil {
		loc = business.Location()
	}

	summaries := make([]models.AppointmentSummary, 0, len(bookings))
	for _, b := range bookings {
		summaries = append(summaries, models.AppointmentSummary{
			BookingID:   b.ID,
			Description: b.Description,
			StartTime:   b.StartTime.In(loc).Format(time.RFC3339),
			EndTime:     b.EndTime.In(loc).Format(time.RFC3339),
		})
	}
	out, err := json.Marshal(summaries)
	if err != nil {
		return "", &models.ToolExecutionError{Tool: tool, Message: ResultAppointmentsFailed, Err: err}
	}
	return string(out), nil
}

func bookingStatus(eventStatus string) models.BookingStatus {
	switch eventStatus {
	case calendar.EventStatusTentative:
		return models.BookingStatusTentative
	case calendar.EventStatusCancelled:
		return models.BookingStatusCancelled
	default:
		return models.BookingStatusConfirmed
	}
}

// softResult returns the model-facing text for a soft tool failure.
func softResult(name string, err error) string {
	var toolErr *models.ToolExecutionError
	if errors.As(err, &toolErr) {
		return toolErr.Message
	}
	var inc *models.InconsistencyError
	if errors.As(err, &inc) {
		// The calendar holds the slot; the booking row is repaired by the escalation policy.
		if inc.Tool == string(models.ToolRescheduleAppointment) {
			return ResultRescheduleSuccessful
		}
		return ResultBookingSuccessful
	}
	if errors.Is(err, models.ErrMalformedToolCall) {
		return fmt.Sprintf("The %s call could not be run: %v. Check the tool name and arguments and try again.", name, err)
	}
	return fmt.Sprintf("The %s tool failed, try again later.", name)
}
