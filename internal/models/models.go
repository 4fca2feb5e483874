// Package models defines the core data structures for BizMitra.
//
// It includes businesses, clients, conversation threads, bookings and owner
// tasks, which are shared across the store, flow and api modules.
package models

import (
	"time"
)

// MaxThreadHistory is the number of history entries a thread keeps.
const MaxThreadHistory = 20

// DefaultTimezone is used when a business has not configured one.
const DefaultTimezone = "Asia/Kolkata"

// DefaultWebChatPhone is stored for web chat clients that give no phone number.
const DefaultWebChatPhone = "000-000-0000"

// IsChannelPhone reports whether phone identifies a WhatsApp contact, as
// opposed to an empty or placeholder web chat phone. Clients are unique per
// business on channel phones only.
func IsChannelPhone(phone string) bool {
	return phone != "" && phone != DefaultWebChatPhone
}

// Role identifies the author of a history entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// HistoryEntry is one {role, content} pair of a thread's history.
type HistoryEntry struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ThreadStatus is the lifecycle state of a thread.
type ThreadStatus string

const (
	ThreadStatusActive ThreadStatus = "active"
	ThreadStatusClosed ThreadStatus = "closed"
)

// Business is a tenant of the assistant.
type Business struct {
	ID               string    `json:"id" db:"id"`
	Name             string    `json:"name" db:"name"`
	Email            string    `json:"email" db:"email"`
	PhoneNumber      string    `json:"phone_number" db:"phone_number"`
	WhatsAppNumber   string    `json:"whatsapp_number" db:"whatsapp_number"`
	BusinessType     string    `json:"business_type" db:"business_type"`
	Timezone         string    `json:"timezone" db:"timezone"`
	GCalRefreshToken string    `json:"-" db:"gcal_refresh_token"`
	WABAAccessToken  string    `json:"-" db:"waba_access_token"`
	WABAID           string    `json:"waba_id" db:"waba_id"`
	PhoneNumberID    string    `json:"phone_number_id" db:"phone_number_id"`
	APIKey           string    `json:"-" db:"api_key"`
	APIUsageCount    int64     `json:"api_usage_count" db:"api_usage_count"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time `json:"updated_at" db:"updated_at"`
}

// Location returns the business timezone, falling back to DefaultTimezone.
func (b *Business) Location() *time.Location {
	tz := b.Timezone
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc, _ = time.LoadLocation(DefaultTimezone)
		if loc == nil {
			return time.UTC
		}
	}
	return loc
}

// Service is one entry of a business's service list.
type Service struct {
	Name  string  `json:"name" validate:"required"`
	Price float64 `json:"price" validate:"gte=0"`
}

// BusinessProfile holds the descriptive context injected into every model call.
type BusinessProfile struct {
	ID               string    `json:"id" db:"id"`
	BusinessID       string    `json:"business_id" db:"business_id"`
	Tone             string    `json:"tone" db:"tone"`
	Services         []Service `json:"services" db:"-"`
	About            string    `json:"about" db:"about"`
	Instructions     string    `json:"instructions" db:"instructions"`
	Notes            string    `json:"notes" db:"notes"`
	Website          string    `json:"website" db:"website"`
	HoursOfOperation string    `json:"hours_of_operation" db:"hours_of_operation"`
	Timezone         string    `json:"timezone" db:"timezone"`
	BusinessType     string    `json:"business_type" db:"business_type"`
	SystemPrompt     string    `json:"system_prompt" db:"system_prompt"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time `json:"updated_at" db:"updated_at"`
}

// Client is a customer of a business.
type Client struct {
	ID         string    `json:"id" db:"id"`
	BusinessID string    `json:"business_id" db:"business_id"`
	Name       string    `json:"name" db:"name"`
	Email      string    `json:"email" db:"email"`
	Phone      string    `json:"phone" db:"phone"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// Thread is the conversation state of one (business, client) pair.
type Thread struct {
	ID               string         `json:"id"`
	BusinessID       string         `json:"business_id"`
	ClientID         string         `json:"client_id"`
	PhoneNumber      string         `json:"phone_number,omitempty"` // empty for web chat
	ExternalThreadID string         `json:"external_thread_id,omitempty"`
	LastResponseID   string         `json:"last_response_id,omitempty"`
	History          []HistoryEntry `json:"history"`
	Status           ThreadStatus   `json:"status"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Append adds an entry to the history and applies the trailing-window trim.
func (t *Thread) Append(role Role, content string) {
	t.History = append(t.History, HistoryEntry{Role: role, Content: content})
	t.History = TrimHistory(t.History)
}

// TrimHistory keeps the most recent MaxThreadHistory entries, dropping the oldest first.
func TrimHistory(history []HistoryEntry) []HistoryEntry {
	if len(history) <= MaxThreadHistory {
		return history
	}
	trimmed := make([]HistoryEntry, MaxThreadHistory)
	copy(trimmed, history[len(history)-MaxThreadHistory:])
	return trimmed
}

// BookingStatus mirrors the calendar event status of a booking.
type BookingStatus string

const (
	BookingStatusConfirmed BookingStatus = "confirmed"
	BookingStatusTentative BookingStatus = "tentative"
	BookingStatusCancelled BookingStatus = "cancelled"
)

// Booking is an appointment held on the business's scheduling calendar.
type Booking struct {
	ID          string        `json:"id" db:"id"`
	BusinessID  string        `json:"business_id" db:"business_id"`
	ClientID    string        `json:"client_id" db:"client_id"`
	Description string        `json:"description" db:"description"`
	StartTime   time.Time     `json:"start_time" db:"start_time"`
	EndTime     time.Time     `json:"end_time" db:"end_time"`
	EventID     string        `json:"event_id" db:"event_id"`
	Status      BookingStatus `json:"status" db:"status"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at" db:"updated_at"`
}

// TaskPriority is the urgency of an owner task.
type TaskPriority string

const (
	TaskPriorityLow    TaskPriority = "low"
	TaskPriorityMedium TaskPriority = "medium"
	TaskPriorityHigh   TaskPriority = "high"
)

// TaskStatus is the lifecycle state of an owner task.
type TaskStatus string

const (
	TaskStatusOpen       TaskStatus = "open"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusResolved   TaskStatus = "resolved"
)

// IsValidTaskStatus checks if the given status is supported.
func IsValidTaskStatus(s TaskStatus) bool {
	switch s {
	case TaskStatusOpen, TaskStatusInProgress, TaskStatusResolved:
		return true
	default:
		return false
	}
}

// OwnerTask is an escalation the business owner must act on.
type OwnerTask struct {
	ID          string       `json:"id" db:"id"`
	BusinessID  string       `json:"business_id" db:"business_id"`
	ClientID    string       `json:"client_id,omitempty" db:"client_id"`
	Description string       `json:"description" db:"description"`
	Priority    TaskPriority `json:"priority" db:"priority"`
	Status      TaskStatus   `json:"status" db:"status"`
	CreatedAt   time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at" db:"updated_at"`
}

// Channel identifies where a message arrived from or is delivered to.
type Channel string

const (
	ChannelCloudAPI  Channel = "cloud"
	ChannelTwilio    Channel = "twilio"
	ChannelWhatsmeow Channel = "whatsmeow"
	ChannelWebChat   Channel = "webchat"
)

// Direction of a logged chat message.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// ChatMessage is the append-only channel log of a conversation.
type ChatMessage struct {
	ID                string    `json:"id" db:"id"`
	BusinessID        string    `json:"business_id" db:"business_id"`
	ClientID          string    `json:"client_id" db:"client_id"`
	ThreadID          string    `json:"thread_id" db:"thread_id"`
	Direction         Direction `json:"direction" db:"direction"`
	Channel           Channel   `json:"channel" db:"channel"`
	Body              string    `json:"body" db:"body"`
	ExternalMessageID string    `json:"external_message_id,omitempty" db:"external_message_id"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
}

// APIStatus is the status field of every API response envelope.
type APIStatus string

const (
	APIStatusOK    APIStatus = "ok"
	APIStatusError APIStatus = "error"
)

// APIResponse represents the standard API response structure.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// Success creates a successful API response with the given result.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and result.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with the given message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
