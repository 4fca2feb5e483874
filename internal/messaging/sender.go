// Package messaging delivers assistant replies over the WhatsApp channels BizMitra supports.
//
// Every channel is exposed as a Sender. Replies are queued in the durable
// outbox and dispatched to the Sender registered for their channel.
package messaging

import (
	"context"
	"fmt"
	"sync"

	"github.com/BizMitra/BizMitra/internal/models"
	"github.com/BizMitra/BizMitra/internal/twiliowhatsapp"
	"github.com/BizMitra/BizMitra/internal/whatsapp"
)

// Sender delivers a text message and returns the provider message id.
type Sender interface {
	// SendMessage sends text to recipient from the business number identified by businessPhoneID.
	SendMessage(ctx context.Context, businessPhoneID, recipient, text string) (string, error)
}

// TwilioSender sends through the Twilio WhatsApp API. The sending number is
// fixed by the Twilio client, so businessPhoneID is ignored.
type TwilioSender struct {
	client twiliowhatsapp.Sender
}

var _ Sender = (*TwilioSender)(nil)

// NewTwilioSender wraps a Twilio WhatsApp client.
func NewTwilioSender(client twiliowhatsapp.Sender) *TwilioSender {
	return &TwilioSender{client: client}
}

func (s *TwilioSender) SendMessage(ctx context.Context, businessPhoneID, recipient, text string) (string, error) {
	sid, err := s.client.SendMessage(ctx, recipient, text)
	if err != nil {
		return "", fmt.Errorf("twilio send: %w", err)
	}
	return sid, nil
}

// WhatsAppSender sends through the whatsmeow linked device.
type WhatsAppSender struct {
	client whatsapp.Sender
}

var _ Sender = (*WhatsAppSender)(nil)

// NewWhatsAppSender wraps a linked-device WhatsApp client.
func NewWhatsAppSender(client whatsapp.Sender) *WhatsAppSender {
	return &WhatsAppSender{client: client}
}

func (s *WhatsAppSender) SendMessage(ctx context.Context, businessPhoneID, recipient, text string) (string, error) {
	id, err := s.client.SendMessage(ctx, recipient, text)
	if err != nil {
		return "", fmt.Errorf("whatsmeow send: %w", err)
	}
	return id, nil
}

// MockSender records messages for tests and local runs.
type MockSender struct {
	mu   sync.Mutex
	Sent []MockMessage
	Err  error
}

// MockMessage is a message recorded by MockSender.
type MockMessage struct {
	BusinessPhoneID string
	Recipient       string
	Text            string
}

var _ Sender = (*MockSender)(nil)

func NewMockSender() *MockSender {
	return &MockSender{}
}

func (m *MockSender) SendMessage(ctx context.Context, businessPhoneID, recipient, text string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	m.Sent = append(m.Sent, MockMessage{BusinessPhoneID: businessPhoneID, Recipient: recipient, Text: text})
	return fmt.Sprintf("wamid.mock-%d", len(m.Sent)), nil
}

// Messages returns a copy of the recorded messages.
func (m *MockSender) Messages() []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockMessage(nil), m.Sent...)
}

// Registry maps channels to their senders.
type Registry struct {
	mu      sync.RWMutex
	senders map[models.Channel]Sender
}

func NewRegistry() *Registry {
	return &Registry{senders: make(map[models.Channel]Sender)}
}

// Register sets the sender for channel, replacing any previous one.
func (r *Registry) Register(channel models.Channel, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[channel] = s
}

// Sender returns the sender registered for channel.
func (r *Registry) Sender(channel models.Channel) (Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.senders[channel]
	return s, ok
}

// Channels lists the registered channels.
func (r *Registry) Channels() []models.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Channel, 0, len(r.senders))
	for ch := range r.senders {
		out = append(out, ch)
	}
	return out
}
