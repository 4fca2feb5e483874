package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BizMitra/BizMitra/internal/models"
	"github.com/BizMitra/BizMitra/internal/store"
)

// ReplyPayload is the outbox payload of an assistant reply.
type ReplyPayload struct {
	Channel       models.Channel `json:"channel"`
	BusinessID    string         `json:"businessID"`
	ClientID      string         `json:"clientID,omitempty"`
	PhoneNumberID string         `json:"phoneNumberID,omitempty"`
	To            string         `json:"to"`
	Body          string         `json:"body"`
	ThreadID      string         `json:"threadID"`
}

// ReplyDedupeKey is the outbox dedupe key of the reply to an inbound message.
func ReplyDedupeKey(inboundMessageID string) string {
	return "reply:" + inboundMessageID
}

// EnqueueReply queues p for delivery. A non-empty inboundMessageID makes
// the enqueue idempotent for redelivered webhooks.
func EnqueueReply(repo store.OutboxRepo, p ReplyPayload, inboundMessageID string) (string, error) {
	if p.To == "" || p.Body == "" {
		return "", fmt.Errorf("reply needs a recipient and a body")
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal reply payload: %w", err)
	}
	var dedupeKey string
	if inboundMessageID != "" {
		dedupeKey = ReplyDedupeKey(inboundMessageID)
	}
	id, err := repo.EnqueueOutboxMessage(p.To, string(p.Channel), string(raw), dedupeKey)
	if err != nil {
		return "", fmt.Errorf("enqueue reply: %w", err)
	}
	slog.Debug("messaging.EnqueueReply: reply queued", "outboxID", id, "threadID", p.ThreadID, "channel", p.Channel)
	return id, nil
}

// Dispatcher delivers outbox messages through the sender of their channel.
type Dispatcher struct {
	senders  *Registry
	messages store.ChatMessageRepo
	tasks    store.TaskRepo
	now      func() time.Time
}

// NewDispatcher creates a Dispatcher. messages may be nil to skip the outbound
// log and tasks may be nil to only log replies that cannot be delivered.
func NewDispatcher(senders *Registry, messages store.ChatMessageRepo, tasks store.TaskRepo) *Dispatcher {
	return &Dispatcher{senders: senders, messages: messages, tasks: tasks, now: time.Now}
}

// Undelivered handles a reply the outbox gave up on: the client never got an
// answer, so the owner is asked to follow up. Use it with store.OutboxSender.OnUndelivered.
func (d *Dispatcher) Undelivered(ctx context.Context, msg store.OutboxMessage, err error) {
	var p ReplyPayload
	if uerr := json.Unmarshal([]byte(msg.PayloadJSON), &p); uerr != nil || p.BusinessID == "" {
		slog.Error("Dispatcher.Undelivered: reply lost, payload unusable", "outboxID", msg.ID, "error", err)
		return
	}
	slog.Error("Dispatcher.Undelivered: reply could not be delivered", "outboxID", msg.ID, "threadID", p.ThreadID, "channel", p.Channel, "attempts", msg.Attempts, "error", err)
	if d.tasks == nil {
		return
	}
	task := &models.OwnerTask{
		BusinessID: p.BusinessID,
		ClientID:   p.ClientID,
		Description: fmt.Sprintf("A reply to %s could not be delivered over %s after %d attempts (%v). "+
			"Please contact the client directly. Undelivered reply: %q", p.To, p.Channel, msg.Attempts, err, p.Body),
		Priority: models.TaskPriorityHigh,
		Status:   models.TaskStatusOpen,
	}
	if cerr := d.tasks.CreateTask(ctx, task); cerr != nil {
		slog.Error("Dispatcher.Undelivered: failed to create owner task", "outboxID", msg.ID, "businessID", p.BusinessID, "error", cerr)
	}
}

// SendFunc adapts the dispatcher to store.OutboxSender.
func (d *Dispatcher) SendFunc() store.OutboxSendFunc {
	return d.Send
}

// Send delivers one outbox message. Errors are retried by the outbox sender.
func (d *Dispatcher) Send(ctx context.Context, msg store.OutboxMessage) error {
	var p ReplyPayload
	if err := json.Unmarshal([]byte(msg.PayloadJSON), &p); err != nil {
		return fmt.Errorf("decode reply payload %s: %w", msg.ID, err)
	}
	if p.Channel == "" {
		p.Channel = models.Channel(msg.Channel)
	}
	sender, ok := d.senders.Sender(p.Channel)
	if !ok {
		return fmt.Errorf("no sender registered for channel %q", p.Channel)
	}

	externalID, err := sender.SendMessage(ctx, p.PhoneNumberID, p.To, p.Body)
	if err != nil {
		return fmt.Errorf("send reply %s over %s: %w", msg.ID, p.Channel, err)
	}
	slog.Info("Dispatcher.Send: reply delivered", "outboxID", msg.ID, "threadID", p.ThreadID, "channel", p.Channel, "externalMessageID", externalID)

	if d.messages == nil {
		return nil
	}
	// The reply is already delivered; a log failure must not trigger a resend.
	logged := &models.ChatMessage{
		BusinessID:        p.BusinessID,
		ClientID:          p.ClientID,
		ThreadID:          p.ThreadID,
		Direction:         models.DirectionOutbound,
		Channel:           p.Channel,
		Body:              p.Body,
		ExternalMessageID: externalID,
		CreatedAt:         d.now().UTC(),
	}
	if err := d.messages.AddChatMessage(ctx, logged); err != nil {
		slog.Error("Dispatcher.Send: failed to log outbound message", "outboxID", msg.ID, "threadID", p.ThreadID, "error", err)
	}
	return nil
}
