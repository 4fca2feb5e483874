// Package models defines tool structures for LLM function calling.
package models

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// ToolName is one of the fixed set of tools the model may invoke.
type ToolName string

const (
	ToolCreateOwnerTask       ToolName = "create_owner_task"
	ToolScheduleAppointment   ToolName = "schedule_appointment"
	ToolRescheduleAppointment ToolName = "reschedule_appointment"
	ToolGetClientAppointments ToolName = "get_client_appointments"
)

// ToolNames lists every supported tool in definition order.
var ToolNames = []ToolName{
	ToolCreateOwnerTask,
	ToolScheduleAppointment,
	ToolRescheduleAppointment,
	ToolGetClientAppointments,
}

// IsValidToolName checks if the given name belongs to the fixed tool enumeration.
func IsValidToolName(name string) bool {
	switch ToolName(name) {
	case ToolCreateOwnerTask, ToolScheduleAppointment, ToolRescheduleAppointment, ToolGetClientAppointments:
		return true
	default:
		return false
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validator returns the shared validator instance.
func Validator() *validator.Validate {
	return validate
}

// CreateOwnerTaskArgs are the arguments of create_owner_task.
type CreateOwnerTaskArgs struct {
	TaskDescription string `json:"taskDescription" validate:"required"`
	Priority        string `json:"priority" validate:"required,oneof=low medium high"`
}

// Validate ensures the arguments are complete.
func (a *CreateOwnerTaskArgs) Validate() error {
	return validate.Struct(a)
}

// ScheduleAppointmentArgs are the arguments of schedule_appointment.
type ScheduleAppointmentArgs struct {
	AppointmentDescription string `json:"appointmentDescription" validate:"required"`
	IsoStart               string `json:"isoStart" validate:"required"`
	IsoEnd                 string `json:"isoEnd" validate:"required"`
}

// Validate ensures the arguments are complete and the window is well formed.
func (a *ScheduleAppointmentArgs) Validate() error {
	if err := validate.Struct(a); err != nil {
		return err
	}
	_, _, err := ParseWindow(a.IsoStart, a.IsoEnd)
	return err
}

// Window returns the parsed appointment window.
func (a *ScheduleAppointmentArgs) Window() (time.Time, time.Time, error) {
	return ParseWindow(a.IsoStart, a.IsoEnd)
}

// RescheduleAppointmentArgs are the arguments of reschedule_appointment.
type RescheduleAppointmentArgs struct {
	BookingID                 string `json:"bookingId" validate:"required"`
	NewAppointmentDescription string `json:"newAppointmentDescription,omitempty"`
	NewBookingTimeStart       string `json:"newBookingTimeStart" validate:"required"`
	NewBookingTimeEnd         string `json:"newBookingTimeEnd" validate:"required"`
}

// Validate ensures the arguments are complete and the new window is well formed.
func (a *RescheduleAppointmentArgs) Validate() error {
	if err := validate.Struct(a); err != nil {
		return err
	}
	_, _, err := ParseWindow(a.NewBookingTimeStart, a.NewBookingTimeEnd)
	return err
}

// Window returns the parsed new appointment window.
func (a *RescheduleAppointmentArgs) Window() (time.Time, time.Time, error) {
	return ParseWindow(a.NewBookingTimeStart, a.NewBookingTimeEnd)
}

// AppointmentSummary is one element of the get_client_appointments result.
type AppointmentSummary struct {
	BookingID   string `json:"bookingId"`
	Description string `json:"description"`
	StartTime   string `json:"startTime"`
	EndTime     string `json:"endTime"`
}

// ParseWindow parses an ISO-8601 [start, end) window.
func ParseWindow(isoStart, isoEnd string) (time.Time, time.Time, error) {
	start, err := time.Parse(time.RFC3339, isoStart)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start time %q: %w", isoStart, err)
	}
	end, err := time.Parse(time.RFC3339, isoEnd)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end time %q: %w", isoEnd, err)
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("end time %s must be after start time %s", isoEnd, isoStart)
	}
	return start, end, nil
}
