package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BizMitra/BizMitra/internal/models"
	"github.com/BizMitra/BizMitra/internal/store"
)

// EscalationPolicy selects what happens when the calendar and the booking table disagree.
type EscalationPolicy string

const (
	// EscalationLog only logs the inconsistency.
	EscalationLog EscalationPolicy = "log"
	// EscalationRetry enqueues a booking repair job.
	EscalationRetry EscalationPolicy = "retry"
	// EscalationTask enqueues a repair job and opens a high priority owner task.
	EscalationTask EscalationPolicy = "task"
)

// DefaultEscalationPolicy is used when none is configured.
const DefaultEscalationPolicy = EscalationTask

// ParseEscalationPolicy validates a configured policy name. Empty selects the default.
func ParseEscalationPolicy(s string) (EscalationPolicy, error) {
	switch p := EscalationPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return DefaultEscalationPolicy, nil
	case EscalationLog, EscalationRetry, EscalationTask:
		return p, nil
	default:
		return "", fmt.Errorf("unknown escalation policy %q (want log, retry or task)", s)
	}
}

// Escalator applies the configured EscalationPolicy to inconsistencies.
type Escalator struct {
	policy EscalationPolicy
	jobs   store.JobRepo
	tasks  store.TaskRepo
}

// NewEscalator creates an Escalator. jobs may be nil, in which case the retry and
// task policies skip the repair job.
func NewEscalator(policy EscalationPolicy, jobs store.JobRepo, tasks store.TaskRepo) *Escalator {
	if policy == "" {
		policy = DefaultEscalationPolicy
	}
	return &Escalator{policy: policy, jobs: jobs, tasks: tasks}
}

// Policy returns the configured policy.
func (e *Escalator) Policy() EscalationPolicy {
	return e.policy
}

// Escalate records an inconsistency. Failures while escalating are logged, never returned,
// so the conversation can continue.
func (e *Escalator) Escalate(ctx context.Context, inc *models.InconsistencyError) {
	getMetrics().escalations.WithLabelValues(string(e.policy)).Inc()
	slog.Error("Escalator.Escalate: calendar and bookings disagree",
		"policy", e.policy, "tool", inc.Tool, "businessID", inc.BusinessID,
		"clientID", inc.ClientID, "bookingID", inc.BookingID, "eventID", inc.EventID, "error", inc.Err)

	if e.policy == EscalationLog {
		return
	}

	if e.jobs != nil && inc.Booking != nil {
		if jobID, err := e.enqueueRepair(inc); err != nil {
			slog.Error("Escalator.Escalate: failed to enqueue booking repair", "bookingID", inc.BookingID, "error", err)
		} else {
			slog.Info("Escalator.Escalate: booking repair enqueued", "jobID", jobID, "bookingID", inc.BookingID)
		}
	}

	if e.policy != EscalationTask || e.tasks == nil {
		return
	}
	task := &models.OwnerTask{
		BusinessID: inc.BusinessID,
		ClientID:   inc.ClientID,
		Description: fmt.Sprintf("Calendar event %s was saved but booking %s could not be recorded (%s). "+
			"Please check the appointment in your calendar.", inc.EventID, inc.BookingID, inc.Tool),
		Priority: models.TaskPriorityHigh,
		Status:   models.TaskStatusOpen,
	}
	if err := e.tasks.CreateTask(ctx, task); err != nil {
		slog.Error("Escalator.Escalate: failed to create owner task", "businessID", inc.BusinessID, "error", err)
	}
}

func (e *Escalator) enqueueRepair(inc *models.InconsistencyError) (string, error) {
	op := BookingRepairInsert
	if inc.Tool == string(models.ToolRescheduleAppointment) {
		op = BookingRepairUpdate
	}
	payload, err := json.Marshal(BookingRepairPayload{Op: op, Booking: *inc.Booking})
	if err != nil {
		return "", fmt.Errorf("failed to marshal booking repair payload: %w", err)
	}
	dedupeKey := fmt.Sprintf("%s:%s:%s", JobKindBookingRepair, inc.BookingID, inc.Booking.UpdatedAt.Format(time.RFC3339Nano))
	return e.jobs.EnqueueJob(JobKindBookingRepair, time.Now(), string(payload), dedupeKey)
}
