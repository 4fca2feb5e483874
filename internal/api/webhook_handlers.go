package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/BizMitra/BizMitra/internal/models"
	"github.com/BizMitra/BizMitra/internal/twiliowhatsapp"
	"github.com/gorilla/mux"
)

// webhookPayload is the body of a WhatsApp Business Account webhook.
type webhookPayload struct {
	Object string         `json:"object"`
	Entry  []webhookEntry `json:"entry"`
}

type webhookEntry struct {
	ID      string          `json:"id"` // WABA id
	Changes []webhookChange `json:"changes"`
}

type webhookChange struct {
	Field string       `json:"field"`
	Value webhookValue `json:"value"`
}

type webhookValue struct {
	MessagingProduct string `json:"messaging_product"`
	Metadata         struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
		PhoneNumberID      string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts  []webhookContact   `json:"contacts"`
	Messages  []webhookMessage   `json:"messages"`
	StateSync []webhookStateSync `json:"state_sync"`
	History   []webhookHistory   `json:"history"`
}

type webhookContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type webhookMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
}

type webhookStateSync struct {
	Type    string `json:"type"`
	Contact *struct {
		FullName    string `json:"full_name"`
		PhoneNumber string `json:"phone_number"`
	} `json:"contact"`
}

type webhookHistory struct {
	Threads []struct {
		ID       string `json:"id"`
		Messages []struct {
			To string `json:"to"`
		} `json:"messages"`
	} `json:"threads"`
}

// contactName returns the profile name of the contact with the given wa_id, or of the first contact.
func (v *webhookValue) contactName(waID string) string {
	for _, c := range v.Contacts {
		if c.WaID == waID {
			return c.Profile.Name
		}
	}
	if len(v.Contacts) > 0 {
		return v.Contacts[0].Profile.Name
	}
	return ""
}

// verifyWebhookHandler handles the Meta subscription handshake (GET /webhook).
func (s *Server) verifyWebhookHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") == "subscribe" && q.Get("hub.verify_token") == s.opts.VerifyToken {
		slog.Info("Server.verifyWebhookHandler: webhook verified")
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(q.Get("hub.challenge")))
		return
	}
	slog.Warn("Server.verifyWebhookHandler: verification rejected", "mode", q.Get("hub.mode"))
	w.WriteHeader(http.StatusForbidden)
}

// receiveWebhookHandler handles POST /webhook. It always acknowledges a
// parsed payload with 200; messages are processed in the background.
func (s *Server) receiveWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var payload webhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		slog.Warn("Server.receiveWebhookHandler: invalid JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if payload.Object != "whatsapp_business_account" {
		slog.Debug("Server.receiveWebhookHandler: ignoring object", "object", payload.Object)
		w.WriteHeader(http.StatusOK)
		return
	}

	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			s.processChange(r.Context(), entry.ID, change)
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) processChange(ctx context.Context, wabaID string, change webhookChange) {
	switch change.Field {
	case "messages":
		s.processMessages(ctx, wabaID, change.Value)
	case "smb_app_state_sync":
		business, err := s.st.GetBusinessByWABAID(ctx, wabaID)
		if err != nil {
			slog.Warn("Server.processChange: unknown WABA for state sync", "wabaID", wabaID, "error", err)
			return
		}
		for _, item := range change.Value.StateSync {
			if item.Type == "contact" && item.Contact != nil && item.Contact.PhoneNumber != "" {
				s.ensureClient(ctx, business.ID, item.Contact.PhoneNumber, item.Contact.FullName)
			}
		}
	case "history":
		business, err := s.st.GetBusinessByWABAID(ctx, wabaID)
		if err != nil {
			slog.Warn("Server.processChange: unknown WABA for history", "wabaID", wabaID, "error", err)
			return
		}
		for _, item := range change.Value.History {
			for _, thread := range item.Threads {
				for _, m := range thread.Messages {
					phone := m.To
					if phone == "" {
						phone = thread.ID
					}
					if phone != "" {
						s.ensureClient(ctx, business.ID, phone, "")
					}
				}
			}
		}
	default:
		slog.Debug("Server.processChange: unhandled webhook field", "field", change.Field)
	}
}

func (s *Server) processMessages(ctx context.Context, wabaID string, value webhookValue) {
	if len(value.Messages) == 0 {
		return
	}
	business, err := s.st.GetBusinessByPhoneNumberID(ctx, value.Metadata.PhoneNumberID)
	if errors.Is(err, models.ErrBusinessNotFound) {
		business, err = s.st.GetBusinessByWABAID(ctx, wabaID)
	}
	if err != nil {
		slog.Error("Server.processMessages: business not resolved", "phoneNumberID", value.Metadata.PhoneNumberID, "wabaID", wabaID, "error", err)
		return
	}
	phoneNumberID := value.Metadata.PhoneNumberID
	if phoneNumberID == "" {
		phoneNumberID = business.PhoneNumberID
	}

	for _, m := range value.Messages {
		if m.Type != "text" || m.Text == nil {
			slog.Debug("Server.processMessages: ignoring non-text message", "type", m.Type, "messageID", m.ID)
			continue
		}
		s.pipeline.Submit(s.baseCtx, business, InboundMessage{
			Channel:       models.ChannelCloudAPI,
			MessageID:     m.ID,
			From:          normalizePhone(m.From),
			Name:          value.contactName(m.From),
			Text:          m.Text.Body,
			PhoneNumberID: phoneNumberID,
		})
	}
}

// ensureClient creates a client for a synced contact; failures are logged only.
func (s *Server) ensureClient(ctx context.Context, businessID, phone, name string) {
	if _, err := findOrCreateClient(ctx, s.st, businessID, normalizePhone(phone), name); err != nil {
		slog.Error("Server.ensureClient: failed to create client", "businessID", businessID, "error", err)
	}
}

// twilioWebhookHandler handles POST /twilio/webhook/{businessID}.
func (s *Server) twilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	businessID := mux.Vars(r)["businessID"]
	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.twilioWebhookHandler: invalid form", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if s.twilioValidator != nil {
		params := make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}
		url := s.opts.PublicBaseURL + r.URL.RequestURI()
		if !s.twilioValidator.Validate(url, params, r.Header.Get("X-Twilio-Signature")) {
			slog.Warn("Server.twilioWebhookHandler: invalid signature", "businessID", businessID)
			w.WriteHeader(http.StatusForbidden)
			return
		}
	}

	business, err := s.st.GetBusiness(r.Context(), businessID)
	if err != nil {
		writeError(w, err, "Failed to load business")
		return
	}
	s.pipeline.Submit(s.baseCtx, business, InboundMessage{
		Channel:   models.ChannelTwilio,
		MessageID: r.PostForm.Get("MessageSid"),
		From:      twiliowhatsapp.StripWhatsAppPrefix(r.PostForm.Get("From")),
		Name:      r.PostForm.Get("ProfileName"),
		Text:      r.PostForm.Get("Body"),
	})

	// Replies go out through the outbox, so the TwiML response is empty.
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("<Response></Response>"))
}
