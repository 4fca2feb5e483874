package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BizMitra/BizMitra/internal/models"
	"github.com/BizMitra/BizMitra/internal/store"
)

// Job kind constants for durable jobs.
const (
	JobKindBookingRepair = "booking_repair"
)

// BookingRepairOp is the write a booking repair replays.
type BookingRepairOp string

const (
	BookingRepairInsert BookingRepairOp = "insert"
	BookingRepairUpdate BookingRepairOp = "update"
)

// BookingRepairPayload is the JSON payload for booking_repair jobs.
type BookingRepairPayload struct {
	Op      BookingRepairOp `json:"op"`
	Booking models.Booking  `json:"booking"`
}

// RegisterJobHandlers registers the booking repair handler. A repair that runs
// out of attempts becomes a high priority owner task, since the calendar then
// holds an appointment the business has no record of.
func RegisterJobHandlers(runner *store.JobRunner, bookings store.BookingRepo, tasks store.TaskRepo) {
	runner.RegisterHandler(JobKindBookingRepair, makeBookingRepairHandler(bookings))
	runner.OnExhausted(JobKindBookingRepair, makeRepairExhaustedHandler(tasks))
}

func makeRepairExhaustedHandler(tasks store.TaskRepo) store.JobExhaustedFunc {
	return func(ctx context.Context, job store.Job, err error) {
		var p BookingRepairPayload
		if uerr := json.Unmarshal([]byte(job.PayloadJSON), &p); uerr != nil || p.Booking.BusinessID == "" {
			slog.Error("JobHandler.booking_repair: exhausted job has no usable payload", "jobID", job.ID, "error", uerr)
			return
		}
		b := p.Booking
		task := &models.OwnerTask{
			BusinessID: b.BusinessID,
			ClientID:   b.ClientID,
			Description: fmt.Sprintf("Automatic repair of booking %s gave up after %d attempts (%v). "+
				"Calendar event %s (%s, %s) has no matching booking record; please confirm it with the client.",
				b.ID, job.Attempt, err, b.EventID, b.Description, b.StartTime.Format(time.RFC3339)),
			Priority: models.TaskPriorityHigh,
			Status:   models.TaskStatusOpen,
		}
		if cerr := tasks.CreateTask(ctx, task); cerr != nil {
			slog.Error("JobHandler.booking_repair: failed to create owner task", "jobID", job.ID, "bookingID", b.ID, "error", cerr)
			return
		}
		slog.Warn("JobHandler.booking_repair: repair exhausted, owner task created", "jobID", job.ID, "bookingID", b.ID, "taskID", task.ID)
	}
}

func makeBookingRepairHandler(bookings store.BookingRepo) store.JobHandler {
	return func(ctx context.Context, payload string) error {
		var p BookingRepairPayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return fmt.Errorf("invalid booking_repair payload: %w", err)
		}
		slog.Info("JobHandler.booking_repair: executing", "op", p.Op, "bookingID", p.Booking.ID, "eventID", p.Booking.EventID)

		existing, err := bookings.GetBooking(ctx, p.Booking.ID)
		if err != nil && !errors.Is(err, models.ErrBookingNotFound) {
			return fmt.Errorf("failed to read booking %s: %w", p.Booking.ID, err)
		}

		switch p.Op {
		case BookingRepairInsert:
			// Idempotency: a row with this id means an earlier attempt succeeded
			if existing != nil {
				slog.Info("JobHandler.booking_repair: booking already present, skipping", "bookingID", p.Booking.ID)
				return nil
			}
			b := p.Booking
			if err := bookings.CreateBooking(ctx, &b); err != nil {
				return fmt.Errorf("failed to insert booking %s: %w", b.ID, err)
			}
		case BookingRepairUpdate:
			if existing == nil {
				return fmt.Errorf("booking %s to repair: %w", p.Booking.ID, models.ErrBookingNotFound)
			}
			if existing.StartTime.Equal(p.Booking.StartTime) && existing.EndTime.Equal(p.Booking.EndTime) &&
				existing.Description == p.Booking.Description {
				slog.Info("JobHandler.booking_repair: booking already up to date, skipping", "bookingID", p.Booking.ID)
				return nil
			}
			b := p.Booking
			if err := bookings.UpdateBooking(ctx, &b); err != nil {
				return fmt.Errorf("failed to update booking %s: %w", b.ID, err)
			}
		default:
			return fmt.Errorf("unknown booking_repair op %q", p.Op)
		}
		slog.Info("JobHandler.booking_repair: booking repaired", "op", p.Op, "bookingID", p.Booking.ID)
		return nil
	}
}
