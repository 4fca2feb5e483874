package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BizMitra/BizMitra/internal/models"
	"github.com/BizMitra/BizMitra/internal/store"
)

// ProfileStore is the persistence ProfileProvider needs.
type ProfileStore interface {
	store.BusinessRepo
	store.ProfileRepo
}

// ProfileProvider serves business profiles and keeps their generated system prompt current.
type ProfileProvider struct {
	st ProfileStore
}

// NewProfileProvider creates a ProfileProvider backed by st.
func NewProfileProvider(st ProfileStore) *ProfileProvider {
	return &ProfileProvider{st: st}
}

// DefaultProfile returns the placeholder profile given to businesses that have not written one.
func DefaultProfile(businessID string) *models.BusinessProfile {
	return &models.BusinessProfile{
		BusinessID: businessID,
		Tone:       "friendly, professional",
		Services: []models.Service{
			{Name: "WhatsApp AI Assistant Setup", Price: 49},
			{Name: "Smart Appointment Scheduling", Price: 29},
			{Name: "Automated CRM & Follow-ups", Price: 39},
		},
		About: "BizMitra provides AI-powered WhatsApp assistants for freelancers and small businesses. " +
			"The assistant helps automate conversations, booking, and CRM.",
		Instructions: "Always answer client questions clearly. Offer to help schedule appointments or explain services when relevant.",
		Notes:        "This is a placeholder profile. Update it with your own business details.",
	}
}

// GetProfileByBusinessID returns the business profile, creating the default profile when none exists.
func (p *ProfileProvider) GetProfileByBusinessID(ctx context.Context, businessID string) (*models.BusinessProfile, error) {
	profile, err := p.st.GetProfileByBusinessID(ctx, businessID)
	if err == nil {
		return profile, nil
	}
	if !errors.Is(err, models.ErrProfileNotFound) {
		return nil, fmt.Errorf("failed to load profile for business %s: %w", businessID, err)
	}

	profile = DefaultProfile(businessID)
	if err := p.SaveProfile(ctx, profile); err != nil {
		return nil, err
	}
	slog.Info("ProfileProvider.GetProfileByBusinessID: created default profile", "businessID", businessID)
	return profile, nil
}

// SaveProfile regenerates the system prompt and stores the profile.
func (p *ProfileProvider) SaveProfile(ctx context.Context, profile *models.BusinessProfile) error {
	business, err := p.st.GetBusiness(ctx, profile.BusinessID)
	if err != nil {
		return fmt.Errorf("failed to load business %s: %w", profile.BusinessID, err)
	}
	profile.SystemPrompt = GenerateSystemPrompt(business, profile)
	if err := p.st.SaveProfile(ctx, profile); err != nil {
		return fmt.Errorf("failed to save profile for business %s: %w", profile.BusinessID, err)
	}
	return nil
}

// GenerateSystemPrompt renders the business context block of the model instructions.
func GenerateSystemPrompt(business *models.Business, profile *models.BusinessProfile) string {
	services := "general services"
	if len(profile.Services) > 0 {
		parts := make([]string, 0, len(profile.Services))
		for _, s := range profile.Services {
			parts = append(parts, fmt.Sprintf("%s (£%s)", s.Name, formatPrice(s.Price)))
		}
		services = strings.Join(parts, ", ")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are a helpful assistant representing %s.\n", business.Name)
	fmt.Fprintf(&b, "Tone: %s.\n\n", orDefault(profile.Tone, "professional and friendly"))
	fmt.Fprintf(&b, "Business Info:\n%s\n\n", orDefault(profile.About, "No description provided."))
	fmt.Fprintf(&b, "Services offered: %s\n\n", services)
	fmt.Fprintf(&b, "The timezone for this business is %s.\n\n", orDefault(profile.Timezone, orDefault(business.Timezone, "not specified")))
	fmt.Fprintf(&b, "Hours of Operation: %s - Do not allow bookings outside these hours.\n\n", orDefault(profile.HoursOfOperation, "not specified"))
	fmt.Fprintf(&b, "Instructions:\n%s\n\n", orDefault(profile.Instructions, "Respond helpfully to client questions."))
	fmt.Fprintf(&b, "Internal Notes:\n%s\n\n", orDefault(profile.Notes, "None"))
	b.WriteString("Always stay relevant to the business context above.")
	return b.String()
}

func formatPrice(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%.2f", v)
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
