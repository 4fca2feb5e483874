package models

import (
	"errors"
	"fmt"
)

// Error variables shared by the orchestrator, its collaborators and the channel adapters.
var (
	// ErrThreadBusy means another turn is in progress for the thread.
	ErrThreadBusy = errors.New("thread is busy with another turn")
	// ErrGatewayUnavailable means the model API could not be reached or timed out.
	ErrGatewayUnavailable = errors.New("model gateway unavailable")
	// ErrGatewayRejected means the model API refused the request itself, for
	// example a bad key or an invalid parameter. Retrying will not help.
	ErrGatewayRejected = errors.New("model gateway rejected the request")
	// ErrMalformedToolCall means the model produced an unknown tool or unparsable arguments.
	ErrMalformedToolCall = errors.New("malformed tool call")
	ErrThreadNotFound    = errors.New("thread not found")
	ErrBusinessNotFound  = errors.New("business not found")
	ErrClientNotFound    = errors.New("client not found")
	ErrBookingNotFound   = errors.New("booking not found")
	ErrTaskNotFound      = errors.New("task not found")
	ErrProfileNotFound   = errors.New("business profile not found")
	ErrEmptyMessage      = errors.New("inbound message cannot be empty")
	ErrInvalidAPIKey     = errors.New("invalid API key")
	ErrNoCalendarAccess  = errors.New("business has not connected a calendar")
	// ErrClientExists means a client with the same phone is already stored for the business.
	ErrClientExists = errors.New("client already exists")
	// ErrActiveThreadExists means the client already has an active channel thread.
	ErrActiveThreadExists = errors.New("active thread already exists")
)

// ToolExecutionError is a tool failure that is reported back to the model as
// conversational text instead of aborting the turn.
type ToolExecutionError struct {
	Tool    string
	Message string // text handed to the model
	Err     error
}

func (e *ToolExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tool %s failed: %s: %v", e.Tool, e.Message, e.Err)
	}
	return fmt.Sprintf("tool %s failed: %s", e.Tool, e.Message)
}

func (e *ToolExecutionError) Unwrap() error {
	return e.Err
}

// InconsistencyError reports that the calendar and the booking table disagree,
// e.g. an event was created but its booking row could not be written.
type InconsistencyError struct {
	Tool       string
	BusinessID string
	ClientID   string
	BookingID  string
	EventID    string

	// Booking is the row that failed to persist and can be used to repair it.
	Booking *Booking
	Err     error
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("calendar/booking inconsistency in %s (business=%s event=%s booking=%s): %v",
		e.Tool, e.BusinessID, e.EventID, e.BookingID, e.Err)
}

func (e *InconsistencyError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is one of the not-found sentinels.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrThreadNotFound) ||
		errors.Is(err, ErrBusinessNotFound) ||
		errors.Is(err, ErrClientNotFound) ||
		errors.Is(err, ErrBookingNotFound) ||
		errors.Is(err, ErrTaskNotFound) ||
		errors.Is(err, ErrProfileNotFound)
}
