// Package store provides the in-memory store.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BizMitra/BizMitra/internal/models"
	"github.com/google/uuid"
)

// InMemoryStore is a Store kept entirely in memory, for tests and local runs without a database.
type InMemoryStore struct {
	mu         sync.RWMutex
	businesses map[string]models.Business
	profiles   map[string]models.BusinessProfile // keyed by business id
	clients    map[string]models.Client
	threads    map[string]models.Thread
	bookings   map[string]models.Booking
	tasks      map[string]models.OwnerTask
	messages   []models.ChatMessage
	dedup      map[string]DedupRecord
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		businesses: make(map[string]models.Business),
		profiles:   make(map[string]models.BusinessProfile),
		clients:    make(map[string]models.Client),
		threads:    make(map[string]models.Thread),
		bookings:   make(map[string]models.Booking),
		tasks:      make(map[string]models.OwnerTask),
		dedup:      make(map[string]DedupRecord),
	}
}

// Close is a no-op.
func (s *InMemoryStore) Close() error { return nil }

// --- businesses ---

func (s *InMemoryStore) CreateBusiness(ctx context.Context, b *models.Business) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.APIKey == "" {
		b.APIKey = uuid.NewString()
	}
	stamp(&b.CreatedAt, &b.UpdatedAt)
	s.businesses[b.ID] = *b
	return nil
}

func (s *InMemoryStore) GetBusiness(ctx context.Context, id string) (*models.Business, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.businesses[id]
	if !ok {
		return nil, models.ErrBusinessNotFound
	}
	return &b, nil
}

func (s *InMemoryStore) findBusiness(match func(models.Business) bool) (*models.Business, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.businesses {
		if match(b) {
			found := b
			return &found, nil
		}
	}
	return nil, models.ErrBusinessNotFound
}

func (s *InMemoryStore) GetBusinessByPhoneNumberID(ctx context.Context, phoneNumberID string) (*models.Business, error) {
	if phoneNumberID == "" {
		return nil, models.ErrBusinessNotFound
	}
	return s.findBusiness(func(b models.Business) bool { return b.PhoneNumberID == phoneNumberID })
}

func (s *InMemoryStore) GetBusinessByWABAID(ctx context.Context, wabaID string) (*models.Business, error) {
	if wabaID == "" {
		return nil, models.ErrBusinessNotFound
	}
	return s.findBusiness(func(b models.Business) bool { return b.WABAID == wabaID })
}

func (s *InMemoryStore) GetBusinessByAPIKey(ctx context.Context, apiKey string) (*models.Business, error) {
	if apiKey == "" {
		return nil, models.ErrInvalidAPIKey
	}
	b, err := s.findBusiness(func(b models.Business) bool { return b.APIKey == apiKey })
	if err != nil {
		return nil, models.ErrInvalidAPIKey
	}
	return b, nil
}

func (s *InMemoryStore) updateBusiness(id string, fn func(*models.Business)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.businesses[id]
	if !ok {
		return models.ErrBusinessNotFound
	}
	fn(&b)
	b.UpdatedAt = time.Now().UTC()
	s.businesses[id] = b
	return nil
}

func (s *InMemoryStore) UpdateCalendarToken(ctx context.Context, businessID, refreshToken string) error {
	return s.updateBusiness(businessID, func(b *models.Business) { b.GCalRefreshToken = refreshToken })
}

func (s *InMemoryStore) UpdateWhatsAppCredentials(ctx context.Context, businessID, wabaID, phoneNumberID, accessToken string) error {
	return s.updateBusiness(businessID, func(b *models.Business) {
		b.WABAID = wabaID
		b.PhoneNumberID = phoneNumberID
		b.WABAAccessToken = accessToken
	})
}

func (s *InMemoryStore) IncrementAPIUsage(ctx context.Context, businessID string) error {
	return s.updateBusiness(businessID, func(b *models.Business) { b.APIUsageCount++ })
}

// --- business profiles ---

func (s *InMemoryStore) GetProfileByBusinessID(ctx context.Context, businessID string) (*models.BusinessProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[businessID]
	if !ok {
		return nil, models.ErrProfileNotFound
	}
	p.Services = append([]models.Service(nil), p.Services...)
	return &p, nil
}

func (s *InMemoryStore) SaveProfile(ctx context.Context, p *models.BusinessProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.profiles[p.BusinessID]; ok {
		p.ID = existing.ID
		p.CreatedAt = existing.CreatedAt
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	stamp(&p.CreatedAt, &p.UpdatedAt)
	saved := *p
	saved.Services = append([]models.Service(nil), p.Services...)
	s.profiles[p.BusinessID] = saved
	return nil
}

// --- clients ---

func (s *InMemoryStore) CreateClient(ctx context.Context, c *models.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if models.IsChannelPhone(c.Phone) {
		for _, existing := range s.clients {
			if existing.BusinessID == c.BusinessID && existing.Phone == c.Phone {
				return fmt.Errorf("client %s of business %s: %w", c.Phone, c.BusinessID, models.ErrClientExists)
			}
		}
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	stamp(&c.CreatedAt, &c.UpdatedAt)
	s.clients[c.ID] = *c
	return nil
}

func (s *InMemoryStore) GetClient(ctx context.Context, id string) (*models.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[id]
	if !ok {
		return nil, models.ErrClientNotFound
	}
	return &c, nil
}

func (s *InMemoryStore) FindClientByPhone(ctx context.Context, businessID, phone string) (*models.Client, error) {
	clients, _ := s.ListClients(ctx, businessID)
	for _, c := range clients {
		if c.Phone == phone {
			found := c
			return &found, nil
		}
	}
	return nil, models.ErrClientNotFound
}

func (s *InMemoryStore) ListClients(ctx context.Context, businessID string) ([]models.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Client
	for _, c := range s.clients {
		if c.BusinessID == businessID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- threads ---

func isActiveChannelThread(t models.Thread) bool {
	return t.Status == models.ThreadStatusActive && t.PhoneNumber != ""
}

func copyThread(t models.Thread) models.Thread {
	t.History = append([]models.HistoryEntry(nil), t.History...)
	return t
}

func (s *InMemoryStore) CreateThread(ctx context.Context, t *models.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = models.ThreadStatusActive
	}
	if isActiveChannelThread(*t) {
		for _, existing := range s.threads {
			if isActiveChannelThread(existing) && existing.BusinessID == t.BusinessID && existing.ClientID == t.ClientID {
				return fmt.Errorf("thread for client %s: %w", t.ClientID, models.ErrActiveThreadExists)
			}
		}
	}
	stamp(&t.CreatedAt, &t.UpdatedAt)
	t.History = models.TrimHistory(t.History)
	s.threads[t.ID] = copyThread(*t)
	return nil
}

func (s *InMemoryStore) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[id]
	if !ok {
		return nil, models.ErrThreadNotFound
	}
	t = copyThread(t)
	return &t, nil
}

func (s *InMemoryStore) FindActiveThread(ctx context.Context, businessID, clientID string) (*models.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *models.Thread
	for _, t := range s.threads {
		if t.BusinessID != businessID || t.ClientID != clientID || !isActiveChannelThread(t) {
			continue
		}
		if found == nil || t.CreatedAt.After(found.CreatedAt) {
			c := copyThread(t)
			found = &c
		}
	}
	if found == nil {
		return nil, models.ErrThreadNotFound
	}
	return found, nil
}

func (s *InMemoryStore) SaveThread(ctx context.Context, t *models.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[t.ID]; !ok {
		return models.ErrThreadNotFound
	}
	t.History = models.TrimHistory(t.History)
	t.UpdatedAt = time.Now().UTC()
	s.threads[t.ID] = copyThread(*t)
	return nil
}

func (s *InMemoryStore) ListThreads(ctx context.Context, businessID string) ([]models.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Thread
	for _, t := range s.threads {
		if t.BusinessID == businessID {
			out = append(out, copyThread(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// --- bookings ---

func (s *InMemoryStore) CreateBooking(ctx context.Context, b *models.Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.Status == "" {
		b.Status = models.BookingStatusConfirmed
	}
	stamp(&b.CreatedAt, &b.UpdatedAt)
	b.StartTime, b.EndTime = b.StartTime.UTC(), b.EndTime.UTC()
	s.bookings[b.ID] = *b
	return nil
}

func (s *InMemoryStore) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bookings[id]
	if !ok {
		return nil, models.ErrBookingNotFound
	}
	return &b, nil
}

func (s *InMemoryStore) UpdateBooking(ctx context.Context, b *models.Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bookings[b.ID]; !ok {
		return models.ErrBookingNotFound
	}
	b.UpdatedAt = time.Now().UTC()
	b.StartTime, b.EndTime = b.StartTime.UTC(), b.EndTime.UTC()
	s.bookings[b.ID] = *b
	return nil
}

func (s *InMemoryStore) listBookings(match func(models.Booking) bool) []models.Booking {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Booking
	for _, b := range s.bookings {
		if match(b) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

func (s *InMemoryStore) ListClientBookings(ctx context.Context, businessID, clientID string) ([]models.Booking, error) {
	return s.listBookings(func(b models.Booking) bool {
		return b.BusinessID == businessID && b.ClientID == clientID
	}), nil
}

func (s *InMemoryStore) ListBookings(ctx context.Context, businessID string) ([]models.Booking, error) {
	return s.listBookings(func(b models.Booking) bool { return b.BusinessID == businessID }), nil
}

// --- owner tasks ---

func (s *InMemoryStore) CreateTask(ctx context.Context, t *models.OwnerTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = models.TaskStatusOpen
	}
	stamp(&t.CreatedAt, &t.UpdatedAt)
	s.tasks[t.ID] = *t
	return nil
}

func (s *InMemoryStore) GetTask(ctx context.Context, id string) (*models.OwnerTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, models.ErrTaskNotFound
	}
	return &t, nil
}

func (s *InMemoryStore) UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return models.ErrTaskNotFound
	}
	t.Status = status
	t.UpdatedAt = time.Now().UTC()
	s.tasks[id] = t
	return nil
}

func (s *InMemoryStore) ListTasks(ctx context.Context, businessID string) ([]models.OwnerTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.OwnerTask
	for _, t := range s.tasks {
		if t.BusinessID == businessID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// --- chat messages ---

func (s *InMemoryStore) AddChatMessage(ctx context.Context, m *models.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	s.messages = append(s.messages, *m)
	return nil
}

func (s *InMemoryStore) ListChatMessages(ctx context.Context, threadID string) ([]models.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ChatMessage
	for _, m := range s.messages {
		if m.ThreadID == threadID {
			out = append(out, m)
		}
	}
	return out, nil
}

// --- inbound dedup ---

func (s *InMemoryStore) IsDuplicate(messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.dedup[messageID]
	return ok, nil
}

func (s *InMemoryStore) RecordInbound(messageID, sender string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dedup[messageID]; ok {
		return false, nil
	}
	s.dedup[messageID] = DedupRecord{MessageID: messageID, Sender: sender, ReceivedAt: time.Now().UTC()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.dedup[messageID]
	if !ok {
		return nil
	}
	now := time.Now().UTC()
	rec.ProcessedAt = &now
	s.dedup[messageID] = rec
	return nil
}

func (s *InMemoryStore) PurgeDedupBefore(before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, rec := range s.dedup {
		if rec.ReceivedAt.Before(before) {
			delete(s.dedup, id)
			n++
		}
	}
	return n, nil
}
