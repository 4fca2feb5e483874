// Package store provides storage backends for BizMitra.
//
// It includes SQLite and PostgreSQL stores sharing one sqlx implementation,
// and an in-memory store for tests and local runs without a database.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/BizMitra/BizMitra/internal/models"
)

// Opts holds configuration options for stores.
type Opts struct {
	DSN string // database connection string or file path
}

// Option defines a functional option for configuring a store.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType reports "postgres" for PostgreSQL connection strings and "sqlite3" otherwise.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// BusinessRepo persists businesses and their channel/calendar credentials.
type BusinessRepo interface {
	CreateBusiness(ctx context.Context, b *models.Business) error
	GetBusiness(ctx context.Context, id string) (*models.Business, error)
	GetBusinessByPhoneNumberID(ctx context.Context, phoneNumberID string) (*models.Business, error)
	GetBusinessByWABAID(ctx context.Context, wabaID string) (*models.Business, error)
	GetBusinessByAPIKey(ctx context.Context, apiKey string) (*models.Business, error)
	UpdateCalendarToken(ctx context.Context, businessID, refreshToken string) error
	UpdateWhatsAppCredentials(ctx context.Context, businessID, wabaID, phoneNumberID, accessToken string) error
	IncrementAPIUsage(ctx context.Context, businessID string) error
}

// ProfileRepo persists business profiles, one per business.
type ProfileRepo interface {
	// GetProfileByBusinessID returns models.ErrProfileNotFound when none exists.
	GetProfileByBusinessID(ctx context.Context, businessID string) (*models.BusinessProfile, error)
	// SaveProfile inserts or replaces the profile of p.BusinessID.
	SaveProfile(ctx context.Context, p *models.BusinessProfile) error
}

// ClientRepo persists the customers of each business.
type ClientRepo interface {
	// CreateClient fails with models.ErrClientExists when another client of the
	// business has the same channel phone (see models.IsChannelPhone).
	CreateClient(ctx context.Context, c *models.Client) error
	GetClient(ctx context.Context, id string) (*models.Client, error)
	FindClientByPhone(ctx context.Context, businessID, phone string) (*models.Client, error)
	ListClients(ctx context.Context, businessID string) ([]models.Client, error)
}

// ThreadRepo persists conversation threads.
type ThreadRepo interface {
	// CreateThread fails with models.ErrActiveThreadExists when t is an active
	// channel thread (non-empty PhoneNumber) and the client already has one.
	CreateThread(ctx context.Context, t *models.Thread) error
	GetThread(ctx context.Context, id string) (*models.Thread, error)
	// FindActiveThread returns the active channel thread of a (business, client)
	// pair. Web chat threads, which carry no phone number, are not returned.
	FindActiveThread(ctx context.Context, businessID, clientID string) (*models.Thread, error)
	// SaveThread writes history (trimmed to the last models.MaxThreadHistory entries),
	// model identifiers and status.
	SaveThread(ctx context.Context, t *models.Thread) error
	ListThreads(ctx context.Context, businessID string) ([]models.Thread, error)
}

// BookingRepo persists appointments.
type BookingRepo interface {
	CreateBooking(ctx context.Context, b *models.Booking) error
	GetBooking(ctx context.Context, id string) (*models.Booking, error)
	UpdateBooking(ctx context.Context, b *models.Booking) error
	ListClientBookings(ctx context.Context, businessID, clientID string) ([]models.Booking, error)
	ListBookings(ctx context.Context, businessID string) ([]models.Booking, error)
}

// TaskRepo persists owner tasks.
type TaskRepo interface {
	CreateTask(ctx context.Context, t *models.OwnerTask) error
	GetTask(ctx context.Context, id string) (*models.OwnerTask, error)
	UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) error
	ListTasks(ctx context.Context, businessID string) ([]models.OwnerTask, error)
}

// ChatMessageRepo persists the channel log.
type ChatMessageRepo interface {
	AddChatMessage(ctx context.Context, m *models.ChatMessage) error
	ListChatMessages(ctx context.Context, threadID string) ([]models.ChatMessage, error)
}

// Store combines every domain repository with inbound deduplication.
type Store interface {
	BusinessRepo
	ProfileRepo
	ClientRepo
	ThreadRepo
	BookingRepo
	TaskRepo
	ChatMessageRepo
	DedupRepo
	Close() error
}

// stamp sets created/updated timestamps on a new record.
func stamp(created, updated *time.Time) {
	now := time.Now().UTC()
	if created.IsZero() {
		*created = now
	}
	*updated = now
}
