package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BizMitra/BizMitra/internal/models"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// SQLStore implements Store, JobRepo and OutboxRepo on SQLite or PostgreSQL.
// Queries are written with ? placeholders and rebound for the driver.
type SQLStore struct {
	db      *sqlx.DB
	dialect string
}

// Compile-time checks that SQLStore implements the repositories.
var (
	_ Store      = (*SQLStore)(nil)
	_ JobRepo    = (*SQLStore)(nil)
	_ OutboxRepo = (*SQLStore)(nil)
)

func openSQLStore(driver, dsn, migrations string) (*SQLStore, error) {
	slog.Debug("SQLStore.open: opening database connection", "driver", driver)
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		slog.Error("SQLStore.open: failed to open connection", "driver", driver, "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLStore.open: ping failed", "driver", driver, "error", err)
		db.Close()
		return nil, err
	}
	slog.Debug("SQLStore.open: running migrations", "driver", driver)
	if _, err := db.Exec(migrations); err != nil {
		slog.Error("SQLStore.open: failed to run migrations", "driver", driver, "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLStore.open: migrations applied successfully", "driver", driver)
	return &SQLStore{db: db, dialect: driver}, nil
}

// NewSQLStoreFromDB wraps an existing connection without running migrations.
func NewSQLStoreFromDB(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: sqlx.NewDb(db, driver), dialect: driver}
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLStore) q(query string) string {
	return s.db.Rebind(query)
}

func newID() string {
	return uuid.NewString()
}

// --- businesses ---

const businessColumns = `id, name, email, phone_number, whatsapp_number, business_type, timezone,
	gcal_refresh_token, waba_access_token, waba_id, phone_number_id, api_key, api_usage_count, created_at, updated_at`

func (s *SQLStore) CreateBusiness(ctx context.Context, b *models.Business) error {
	if b.ID == "" {
		b.ID = newID()
	}
	if b.APIKey == "" {
		b.APIKey = uuid.NewString()
	}
	stamp(&b.CreatedAt, &b.UpdatedAt)
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO businesses (`+businessColumns+`) VALUES (:id, :name, :email, :phone_number, :whatsapp_number,
		 :business_type, :timezone, :gcal_refresh_token, :waba_access_token, :waba_id, :phone_number_id, :api_key,
		 :api_usage_count, :created_at, :updated_at)`, b)
	if err != nil {
		slog.Error("SQLStore.CreateBusiness failed", "error", err, "businessID", b.ID)
		return fmt.Errorf("failed to insert business %s: %w", b.ID, err)
	}
	slog.Debug("SQLStore.CreateBusiness succeeded", "businessID", b.ID)
	return nil
}

func (s *SQLStore) getBusinessBy(ctx context.Context, column, value string) (*models.Business, error) {
	var b models.Business
	err := s.db.GetContext(ctx, &b, s.q(`SELECT `+businessColumns+` FROM businesses WHERE `+column+` = ? LIMIT 1`), value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrBusinessNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get business by %s: %w", column, err)
	}
	return &b, nil
}

func (s *SQLStore) GetBusiness(ctx context.Context, id string) (*models.Business, error) {
	return s.getBusinessBy(ctx, "id", id)
}

func (s *SQLStore) GetBusinessByPhoneNumberID(ctx context.Context, phoneNumberID string) (*models.Business, error) {
	if phoneNumberID == "" {
		return nil, models.ErrBusinessNotFound
	}
	return s.getBusinessBy(ctx, "phone_number_id", phoneNumberID)
}

func (s *SQLStore) GetBusinessByWABAID(ctx context.Context, wabaID string) (*models.Business, error) {
	if wabaID == "" {
		return nil, models.ErrBusinessNotFound
	}
	return s.getBusinessBy(ctx, "waba_id", wabaID)
}

func (s *SQLStore) GetBusinessByAPIKey(ctx context.Context, apiKey string) (*models.Business, error) {
	if apiKey == "" {
		return nil, models.ErrInvalidAPIKey
	}
	b, err := s.getBusinessBy(ctx, "api_key", apiKey)
	if errors.Is(err, models.ErrBusinessNotFound) {
		return nil, models.ErrInvalidAPIKey
	}
	return b, err
}

func (s *SQLStore) execAffectingOne(ctx context.Context, notFound error, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func (s *SQLStore) UpdateCalendarToken(ctx context.Context, businessID, refreshToken string) error {
	err := s.execAffectingOne(ctx, models.ErrBusinessNotFound,
		`UPDATE businesses SET gcal_refresh_token = ?, updated_at = ? WHERE id = ?`,
		refreshToken, time.Now().UTC(), businessID)
	if err != nil {
		return fmt.Errorf("failed to update calendar token for %s: %w", businessID, err)
	}
	return nil
}

func (s *SQLStore) UpdateWhatsAppCredentials(ctx context.Context, businessID, wabaID, phoneNumberID, accessToken string) error {
	err := s.execAffectingOne(ctx, models.ErrBusinessNotFound,
		`UPDATE businesses SET waba_id = ?, phone_number_id = ?, waba_access_token = ?, updated_at = ? WHERE id = ?`,
		wabaID, phoneNumberID, accessToken, time.Now().UTC(), businessID)
	if err != nil {
		return fmt.Errorf("failed to update whatsapp credentials for %s: %w", businessID, err)
	}
	return nil
}

func (s *SQLStore) IncrementAPIUsage(ctx context.Context, businessID string) error {
	err := s.execAffectingOne(ctx, models.ErrBusinessNotFound,
		`UPDATE businesses SET api_usage_count = api_usage_count + 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), businessID)
	if err != nil {
		return fmt.Errorf("failed to increment api usage for %s: %w", businessID, err)
	}
	return nil
}

// --- business profiles ---

type profileRow struct {
	models.BusinessProfile
	ServicesJSON string `db:"services"`
}

const profileColumns = `id, business_id, tone, services, about, instructions, notes, website,
	hours_of_operation, timezone, business_type, system_prompt, created_at, updated_at`

func (s *SQLStore) GetProfileByBusinessID(ctx context.Context, businessID string) (*models.BusinessProfile, error) {
	var row profileRow
	err := s.db.GetContext(ctx, &row, s.q(`SELECT `+profileColumns+` FROM business_profiles WHERE business_id = ?`), businessID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile for %s: %w", businessID, err)
	}
	p := row.BusinessProfile
	if row.ServicesJSON != "" {
		if err := json.Unmarshal([]byte(row.ServicesJSON), &p.Services); err != nil {
			slog.Warn("SQLStore.GetProfileByBusinessID: invalid services JSON", "businessID", businessID, "error", err)
		}
	}
	return &p, nil
}

func (s *SQLStore) SaveProfile(ctx context.Context, p *models.BusinessProfile) error {
	if p.ID == "" {
		p.ID = newID()
	}
	stamp(&p.CreatedAt, &p.UpdatedAt)
	services, err := json.Marshal(p.Services)
	if err != nil {
		return fmt.Errorf("failed to marshal services: %w", err)
	}
	if p.Services == nil {
		services = []byte("[]")
	}
	row := profileRow{BusinessProfile: *p, ServicesJSON: string(services)}
	_, err = s.db.NamedExecContext(ctx,
		`INSERT INTO business_profiles (`+profileColumns+`) VALUES (:id, :business_id, :tone, :services, :about,
		 :instructions, :notes, :website, :hours_of_operation, :timezone, :business_type, :system_prompt, :created_at, :updated_at)
		 ON CONFLICT (business_id) DO UPDATE SET tone = excluded.tone, services = excluded.services, about = excluded.about,
		 instructions = excluded.instructions, notes = excluded.notes, website = excluded.website,
		 hours_of_operation = excluded.hours_of_operation, timezone = excluded.timezone,
		 business_type = excluded.business_type, system_prompt = excluded.system_prompt, updated_at = excluded.updated_at`, row)
	if err != nil {
		slog.Error("SQLStore.SaveProfile failed", "error", err, "businessID", p.BusinessID)
		return fmt.Errorf("failed to save profile for %s: %w", p.BusinessID, err)
	}
	return nil
}

// --- clients ---

const clientColumns = `id, business_id, name, email, phone, created_at, updated_at`

func (s *SQLStore) CreateClient(ctx context.Context, c *models.Client) error {
	if c.ID == "" {
		c.ID = newID()
	}
	stamp(&c.CreatedAt, &c.UpdatedAt)
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO clients (`+clientColumns+`) VALUES (:id, :business_id, :name, :email, :phone, :created_at, :updated_at)`, c)
	if isUniqueViolation(err) {
		return fmt.Errorf("client %s of business %s: %w", c.Phone, c.BusinessID, models.ErrClientExists)
	}
	if err != nil {
		return fmt.Errorf("failed to insert client for business %s: %w", c.BusinessID, err)
	}
	slog.Debug("SQLStore.CreateClient succeeded", "clientID", c.ID, "businessID", c.BusinessID)
	return nil
}

func (s *SQLStore) GetClient(ctx context.Context, id string) (*models.Client, error) {
	var c models.Client
	err := s.db.GetContext(ctx, &c, s.q(`SELECT `+clientColumns+` FROM clients WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrClientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get client %s: %w", id, err)
	}
	return &c, nil
}

func (s *SQLStore) FindClientByPhone(ctx context.Context, businessID, phone string) (*models.Client, error) {
	var c models.Client
	err := s.db.GetContext(ctx, &c,
		s.q(`SELECT `+clientColumns+` FROM clients WHERE business_id = ? AND phone = ? ORDER BY created_at ASC LIMIT 1`),
		businessID, phone)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrClientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find client by phone: %w", err)
	}
	return &c, nil
}

func (s *SQLStore) ListClients(ctx context.Context, businessID string) ([]models.Client, error) {
	var clients []models.Client
	err := s.db.SelectContext(ctx, &clients,
		s.q(`SELECT `+clientColumns+` FROM clients WHERE business_id = ? ORDER BY created_at ASC`), businessID)
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	return clients, nil
}

// --- threads ---

type threadRow struct {
	ID               string    `db:"id"`
	BusinessID       string    `db:"business_id"`
	ClientID         string    `db:"client_id"`
	PhoneNumber      string    `db:"phone_number"`
	ExternalThreadID string    `db:"external_thread_id"`
	LastResponseID   string    `db:"last_response_id"`
	History          string    `db:"history"`
	Status           string    `db:"status"`
	CreatedAt        time.Time `db:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"`
}

func (r threadRow) toModel() (*models.Thread, error) {
	t := &models.Thread{
		ID:               r.ID,
		BusinessID:       r.BusinessID,
		ClientID:         r.ClientID,
		PhoneNumber:      r.PhoneNumber,
		ExternalThreadID: r.ExternalThreadID,
		LastResponseID:   r.LastResponseID,
		Status:           models.ThreadStatus(r.Status),
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	if r.History != "" {
		if err := json.Unmarshal([]byte(r.History), &t.History); err != nil {
			return nil, fmt.Errorf("failed to decode history of thread %s: %w", r.ID, err)
		}
	}
	return t, nil
}

func newThreadRow(t *models.Thread) (threadRow, error) {
	history := models.TrimHistory(t.History)
	if history == nil {
		history = []models.HistoryEntry{}
	}
	data, err := json.Marshal(history)
	if err != nil {
		return threadRow{}, fmt.Errorf("failed to encode history: %w", err)
	}
	return threadRow{
		ID:               t.ID,
		BusinessID:       t.BusinessID,
		ClientID:         t.ClientID,
		PhoneNumber:      t.PhoneNumber,
		ExternalThreadID: t.ExternalThreadID,
		LastResponseID:   t.LastResponseID,
		History:          string(data),
		Status:           string(t.Status),
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
	}, nil
}

const threadColumns = `id, business_id, client_id, phone_number, external_thread_id, last_response_id, history, status, created_at, updated_at`

func (s *SQLStore) CreateThread(ctx context.Context, t *models.Thread) error {
	if t.ID == "" {
		t.ID = newID()
	}
	if t.Status == "" {
		t.Status = models.ThreadStatusActive
	}
	stamp(&t.CreatedAt, &t.UpdatedAt)
	row, err := newThreadRow(t)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx,
		`INSERT INTO threads (`+threadColumns+`) VALUES (:id, :business_id, :client_id, :phone_number,
		 :external_thread_id, :last_response_id, :history, :status, :created_at, :updated_at)`, row)
	if isUniqueViolation(err) {
		return fmt.Errorf("thread for client %s: %w", t.ClientID, models.ErrActiveThreadExists)
	}
	if err != nil {
		return fmt.Errorf("failed to insert thread: %w", err)
	}
	slog.Debug("SQLStore.CreateThread succeeded", "threadID", t.ID, "businessID", t.BusinessID, "clientID", t.ClientID)
	return nil
}

func (s *SQLStore) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	var row threadRow
	err := s.db.GetContext(ctx, &row, s.q(`SELECT `+threadColumns+` FROM threads WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread %s: %w", id, err)
	}
	return row.toModel()
}

func (s *SQLStore) FindActiveThread(ctx context.Context, businessID, clientID string) (*models.Thread, error) {
	var row threadRow
	err := s.db.GetContext(ctx, &row,
		s.q(`SELECT `+threadColumns+` FROM threads WHERE business_id = ? AND client_id = ? AND status = ?
		 AND phone_number <> '' ORDER BY created_at DESC LIMIT 1`),
		businessID, clientID, string(models.ThreadStatusActive))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find active thread: %w", err)
	}
	return row.toModel()
}

func (s *SQLStore) SaveThread(ctx context.Context, t *models.Thread) error {
	t.History = models.TrimHistory(t.History)
	t.UpdatedAt = time.Now().UTC()
	row, err := newThreadRow(t)
	if err != nil {
		return err
	}
	err = s.execAffectingOne(ctx, models.ErrThreadNotFound,
		`UPDATE threads SET history = ?, external_thread_id = ?, last_response_id = ?, status = ?, updated_at = ? WHERE id = ?`,
		row.History, row.ExternalThreadID, row.LastResponseID, row.Status, row.UpdatedAt, row.ID)
	if err != nil {
		slog.Error("SQLStore.SaveThread failed", "threadID", t.ID, "error", err)
		return fmt.Errorf("failed to save thread %s: %w", t.ID, err)
	}
	slog.Debug("SQLStore.SaveThread succeeded", "threadID", t.ID, "historyLen", len(t.History))
	return nil
}

func (s *SQLStore) ListThreads(ctx context.Context, businessID string) ([]models.Thread, error) {
	var rows []threadRow
	err := s.db.SelectContext(ctx, &rows,
		s.q(`SELECT `+threadColumns+` FROM threads WHERE business_id = ? ORDER BY updated_at DESC`), businessID)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	threads := make([]models.Thread, 0, len(rows))
	for _, r := range rows {
		t, err := r.toModel()
		if err != nil {
			return nil, err
		}
		threads = append(threads, *t)
	}
	return threads, nil
}

// --- bookings ---

const bookingColumns = `id, business_id, client_id, description, start_time, end_time, event_id, status, created_at, updated_at`

func (s *SQLStore) CreateBooking(ctx context.Context, b *models.Booking) error {
	if b.ID == "" {
		b.ID = newID()
	}
	if b.Status == "" {
		b.Status = models.BookingStatusConfirmed
	}
	stamp(&b.CreatedAt, &b.UpdatedAt)
	b.StartTime, b.EndTime = b.StartTime.UTC(), b.EndTime.UTC()
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO bookings (`+bookingColumns+`) VALUES (:id, :business_id, :client_id, :description,
		 :start_time, :end_time, :event_id, :status, :created_at, :updated_at)`, b)
	if err != nil {
		return fmt.Errorf("failed to insert booking for event %s: %w", b.EventID, err)
	}
	slog.Debug("SQLStore.CreateBooking succeeded", "bookingID", b.ID, "eventID", b.EventID)
	return nil
}

func (s *SQLStore) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	var b models.Booking
	err := s.db.GetContext(ctx, &b, s.q(`SELECT `+bookingColumns+` FROM bookings WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrBookingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get booking %s: %w", id, err)
	}
	return &b, nil
}

func (s *SQLStore) UpdateBooking(ctx context.Context, b *models.Booking) error {
	b.UpdatedAt = time.Now().UTC()
	err := s.execAffectingOne(ctx, models.ErrBookingNotFound,
		`UPDATE bookings SET description = ?, start_time = ?, end_time = ?, event_id = ?, status = ?, updated_at = ? WHERE id = ?`,
		b.Description, b.StartTime.UTC(), b.EndTime.UTC(), b.EventID, string(b.Status), b.UpdatedAt, b.ID)
	if err != nil {
		return fmt.Errorf("failed to update booking %s: %w", b.ID, err)
	}
	return nil
}

func (s *SQLStore) ListClientBookings(ctx context.Context, businessID, clientID string) ([]models.Booking, error) {
	var bookings []models.Booking
	err := s.db.SelectContext(ctx, &bookings,
		s.q(`SELECT `+bookingColumns+` FROM bookings WHERE business_id = ? AND client_id = ? ORDER BY start_time ASC`),
		businessID, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list client bookings: %w", err)
	}
	return bookings, nil
}

func (s *SQLStore) ListBookings(ctx context.Context, businessID string) ([]models.Booking, error) {
	var bookings []models.Booking
	err := s.db.SelectContext(ctx, &bookings,
		s.q(`SELECT `+bookingColumns+` FROM bookings WHERE business_id = ? ORDER BY start_time ASC`), businessID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bookings: %w", err)
	}
	return bookings, nil
}

// --- owner tasks ---

const taskColumns = `id, business_id, client_id, description, priority, status, created_at, updated_at`

func (s *SQLStore) CreateTask(ctx context.Context, t *models.OwnerTask) error {
	if t.ID == "" {
		t.ID = newID()
	}
	if t.Status == "" {
		t.Status = models.TaskStatusOpen
	}
	stamp(&t.CreatedAt, &t.UpdatedAt)
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO owner_tasks (`+taskColumns+`) VALUES (:id, :business_id, :client_id, :description,
		 :priority, :status, :created_at, :updated_at)`, t)
	if err != nil {
		return fmt.Errorf("failed to insert owner task: %w", err)
	}
	slog.Debug("SQLStore.CreateTask succeeded", "taskID", t.ID, "businessID", t.BusinessID, "priority", t.Priority)
	return nil
}

func (s *SQLStore) GetTask(ctx context.Context, id string) (*models.OwnerTask, error) {
	var t models.OwnerTask
	err := s.db.GetContext(ctx, &t, s.q(`SELECT `+taskColumns+` FROM owner_tasks WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return &t, nil
}

func (s *SQLStore) UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) error {
	err := s.execAffectingOne(ctx, models.ErrTaskNotFound,
		`UPDATE owner_tasks SET status = ?, updated_at = ? WHERE id = ?`, string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", id, err)
	}
	return nil
}

func (s *SQLStore) ListTasks(ctx context.Context, businessID string) ([]models.OwnerTask, error) {
	var tasks []models.OwnerTask
	err := s.db.SelectContext(ctx, &tasks,
		s.q(`SELECT `+taskColumns+` FROM owner_tasks WHERE business_id = ? ORDER BY created_at DESC`), businessID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}

// --- chat messages ---

const chatMessageColumns = `id, business_id, client_id, thread_id, direction, channel, body, external_message_id, created_at`

func (s *SQLStore) AddChatMessage(ctx context.Context, m *models.ChatMessage) error {
	if m.ID == "" {
		m.ID = newID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO chat_messages (`+chatMessageColumns+`) VALUES (:id, :business_id, :client_id, :thread_id,
		 :direction, :channel, :body, :external_message_id, :created_at)`, m)
	if err != nil {
		return fmt.Errorf("failed to insert chat message: %w", err)
	}
	return nil
}

func (s *SQLStore) ListChatMessages(ctx context.Context, threadID string) ([]models.ChatMessage, error) {
	var msgs []models.ChatMessage
	err := s.db.SelectContext(ctx, &msgs,
		s.q(`SELECT `+chatMessageColumns+` FROM chat_messages WHERE thread_id = ? ORDER BY created_at ASC`), threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chat messages: %w", err)
	}
	return msgs, nil
}
