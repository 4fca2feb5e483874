package models

import (
	"errors"
	"fmt"
	"testing"
)

func TestTrimHistory_KeepsMostRecent(t *testing.T) {
	var history []HistoryEntry
	for i := 0; i < 25; i++ {
		history = append(history, HistoryEntry{Role: RoleUser, Content: fmt.Sprintf("m%d", i)})
	}

	trimmed := TrimHistory(history)
	if len(trimmed) != MaxThreadHistory {
		t.Fatalf("expected %d entries, got %d", MaxThreadHistory, len(trimmed))
	}
	if trimmed[0].Content != "m5" {
		t.Errorf("expected oldest kept entry m5, got %s", trimmed[0].Content)
	}
	if trimmed[len(trimmed)-1].Content != "m24" {
		t.Errorf("expected newest entry m24, got %s", trimmed[len(trimmed)-1].Content)
	}
}

func TestThreadAppend_NeverExceedsWindow(t *testing.T) {
	th := &Thread{}
	for i := 0; i < 50; i++ {
		th.Append(RoleUser, "q")
		th.Append(RoleAssistant, "a")
		if len(th.History) > MaxThreadHistory {
			t.Fatalf("history grew to %d after %d turns", len(th.History), i+1)
		}
	}
	if th.History[len(th.History)-1].Role != RoleAssistant {
		t.Errorf("expected last entry to be assistant, got %s", th.History[len(th.History)-1].Role)
	}
}

func TestIsValidToolName(t *testing.T) {
	for _, name := range ToolNames {
		if !IsValidToolName(string(name)) {
			t.Errorf("expected %s to be valid", name)
		}
	}
	for _, name := range []string{"", "get_Client_Appointments", "delete_booking"} {
		if IsValidToolName(name) {
			t.Errorf("expected %q to be rejected", name)
		}
	}
}

func TestCreateOwnerTaskArgs_Validate(t *testing.T) {
	ok := CreateOwnerTaskArgs{TaskDescription: "call back", Priority: "high"}
	if err := ok.Validate(); err != nil {
		t.Errorf("expected valid args, got %v", err)
	}
	bad := CreateOwnerTaskArgs{TaskDescription: "call back", Priority: "urgent"}
	if err := bad.Validate(); err == nil {
		t.Error("expected invalid priority to fail validation")
	}
	missing := CreateOwnerTaskArgs{Priority: "low"}
	if err := missing.Validate(); err == nil {
		t.Error("expected missing description to fail validation")
	}
}

func TestScheduleAppointmentArgs_Validate(t *testing.T) {
	tests := []struct {
		name    string
		args    ScheduleAppointmentArgs
		wantErr bool
	}{
		{"valid", ScheduleAppointmentArgs{"Haircut", "2025-07-05T10:00:00Z", "2025-07-05T11:00:00Z"}, false},
		{"missing description", ScheduleAppointmentArgs{"", "2025-07-05T10:00:00Z", "2025-07-05T11:00:00Z"}, true},
		{"bad start", ScheduleAppointmentArgs{"Haircut", "tomorrow 10am", "2025-07-05T11:00:00Z"}, true},
		{"end before start", ScheduleAppointmentArgs{"Haircut", "2025-07-05T11:00:00Z", "2025-07-05T10:00:00Z"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.args.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRescheduleAppointmentArgs_DescriptionOptional(t *testing.T) {
	args := RescheduleAppointmentArgs{
		BookingID:           "b1",
		NewBookingTimeStart: "2025-07-05T12:00:00+01:00",
		NewBookingTimeEnd:   "2025-07-05T13:00:00+01:00",
	}
	if err := args.Validate(); err != nil {
		t.Fatalf("expected valid args, got %v", err)
	}
	start, _, err := args.Window()
	if err != nil {
		t.Fatalf("Window failed: %v", err)
	}
	if start.UTC().Hour() != 11 {
		t.Errorf("expected 11:00 UTC, got %v", start.UTC())
	}
}

func TestToolExecutionError_Unwrap(t *testing.T) {
	err := fmt.Errorf("turn: %w", &ToolExecutionError{Tool: "schedule_appointment", Message: "x", Err: ErrMalformedToolCall})
	if !errors.Is(err, ErrMalformedToolCall) {
		t.Error("expected errors.Is to find ErrMalformedToolCall")
	}
	var te *ToolExecutionError
	if !errors.As(err, &te) || te.Message != "x" {
		t.Error("expected errors.As to extract ToolExecutionError")
	}
}

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(fmt.Errorf("load: %w", ErrThreadNotFound)) {
		t.Error("expected wrapped ErrThreadNotFound to be not-found")
	}
	if IsNotFound(ErrThreadBusy) {
		t.Error("expected ErrThreadBusy not to be not-found")
	}
}

func TestBusinessLocation_Fallback(t *testing.T) {
	b := &Business{Timezone: "Not/AZone"}
	if got := b.Location().String(); got != DefaultTimezone && got != "UTC" {
		t.Errorf("expected fallback location, got %s", got)
	}
	b.Timezone = "Europe/London"
	if got := b.Location().String(); got != "Europe/London" {
		t.Errorf("expected Europe/London, got %s", got)
	}
}
