package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/BizMitra/BizMitra/internal/messaging"
	"github.com/BizMitra/BizMitra/internal/models"
	"github.com/BizMitra/BizMitra/internal/store"
	"golang.org/x/sync/semaphore"
)

// DefaultWebhookWorkers bounds concurrent inbound message processing.
const DefaultWebhookWorkers = 8

// TurnHandler runs one conversation turn and returns the assistant reply.
type TurnHandler interface {
	HandleTurn(ctx context.Context, threadID, inboundText string) (string, error)
}

// InboundMessage is a WhatsApp text message received on any channel.
type InboundMessage struct {
	Channel       models.Channel
	MessageID     string
	From          string // E.164 with leading +
	Name          string
	Text          string
	PhoneNumberID string // business number the message was sent to (Cloud API)
}

// Pipeline turns inbound WhatsApp messages into queued replies.
type Pipeline struct {
	st      store.Store
	outbox  store.OutboxRepo
	turns   TurnHandler
	workers *semaphore.Weighted
	wg      sync.WaitGroup
}

// NewPipeline creates a Pipeline running at most workers messages at once.
func NewPipeline(st store.Store, outbox store.OutboxRepo, turns TurnHandler, workers int) *Pipeline {
	if workers <= 0 {
		workers = DefaultWebhookWorkers
	}
	return &Pipeline{st: st, outbox: outbox, turns: turns, workers: semaphore.NewWeighted(int64(workers))}
}

// Submit processes msg in the background. It returns immediately; the work
// waits for a free worker and is dropped if ctx ends first.
func (p *Pipeline) Submit(ctx context.Context, business *models.Business, msg InboundMessage) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.workers.Acquire(ctx, 1); err != nil {
			slog.Warn("Pipeline.Submit: dropped message, no worker available", "messageID", msg.MessageID, "error", err)
			return
		}
		defer p.workers.Release(1)
		if err := p.Process(ctx, business, msg); err != nil {
			slog.Error("Pipeline.Submit: processing failed", "businessID", business.ID, "messageID", msg.MessageID, "error", err)
		}
	}()
}

// Wait blocks until every submitted message has finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Process runs the full inbound flow for one message: dedup, client and
// thread resolution, the turn itself and the queued reply.
func (p *Pipeline) Process(ctx context.Context, business *models.Business, msg InboundMessage) error {
	if strings.TrimSpace(msg.Text) == "" {
		getMetrics().inbound.WithLabelValues(string(msg.Channel), "ignored").Inc()
		return nil
	}
	if msg.MessageID != "" {
		fresh, err := p.st.RecordInbound(msg.MessageID, msg.From)
		if err != nil {
			return fmt.Errorf("record inbound %s: %w", msg.MessageID, err)
		}
		if !fresh {
			slog.Info("Pipeline.Process: duplicate delivery skipped", "messageID", msg.MessageID, "channel", msg.Channel)
			getMetrics().inbound.WithLabelValues(string(msg.Channel), "duplicate").Inc()
			return nil
		}
	}

	client, err := findOrCreateClient(ctx, p.st, business.ID, msg.From, msg.Name)
	if err != nil {
		return err
	}
	thread, err := p.findOrCreateThread(ctx, business.ID, client)
	if err != nil {
		return err
	}
	logChatMessage(ctx, p.st, &models.ChatMessage{
		BusinessID:        business.ID,
		ClientID:          client.ID,
		ThreadID:          thread.ID,
		Direction:         models.DirectionInbound,
		Channel:           msg.Channel,
		Body:              msg.Text,
		ExternalMessageID: msg.MessageID,
	})

	outcome := "replied"
	reply, err := p.turns.HandleTurn(ctx, thread.ID, msg.Text)
	switch {
	case err == nil:
		if err := p.st.IncrementAPIUsage(ctx, business.ID); err != nil {
			slog.Warn("Pipeline.Process: failed to count API usage", "businessID", business.ID, "error", err)
		}
	case errors.Is(err, models.ErrThreadBusy):
		outcome = "busy"
		reply = BusyNotice
	default:
		outcome = "failed"
		slog.Error("Pipeline.Process: turn failed", "threadID", thread.ID, "error", err)
		reply = ApologyReply
	}
	getMetrics().inbound.WithLabelValues(string(msg.Channel), outcome).Inc()

	payload := messaging.ReplyPayload{
		Channel:       msg.Channel,
		BusinessID:    business.ID,
		ClientID:      client.ID,
		PhoneNumberID: msg.PhoneNumberID,
		To:            msg.From,
		Body:          reply,
		ThreadID:      thread.ID,
	}
	if _, err := messaging.EnqueueReply(p.outbox, payload, msg.MessageID); err != nil {
		return err
	}
	if msg.MessageID != "" {
		if err := p.st.MarkProcessed(msg.MessageID); err != nil {
			slog.Warn("Pipeline.Process: failed to mark processed", "messageID", msg.MessageID, "error", err)
		}
	}
	return nil
}

func (p *Pipeline) findOrCreateThread(ctx context.Context, businessID string, client *models.Client) (*models.Thread, error) {
	thread, err := p.st.FindActiveThread(ctx, businessID, client.ID)
	if err == nil {
		return thread, nil
	}
	if !errors.Is(err, models.ErrThreadNotFound) {
		return nil, err
	}
	thread = &models.Thread{
		BusinessID:  businessID,
		ClientID:    client.ID,
		PhoneNumber: client.Phone,
		Status:      models.ThreadStatusActive,
	}
	err = p.st.CreateThread(ctx, thread)
	if errors.Is(err, models.ErrActiveThreadExists) {
		// A concurrent message from the same client created it first.
		return p.st.FindActiveThread(ctx, businessID, client.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}
	slog.Info("Pipeline.findOrCreateThread: thread created", "threadID", thread.ID, "businessID", businessID, "clientID", client.ID)
	return thread, nil
}

// findOrCreateClient returns the client with phone, creating it when missing.
func findOrCreateClient(ctx context.Context, clients store.ClientRepo, businessID, phone, name string) (*models.Client, error) {
	client, err := clients.FindClientByPhone(ctx, businessID, phone)
	if err == nil {
		return client, nil
	}
	if !errors.Is(err, models.ErrClientNotFound) {
		return nil, err
	}
	client = &models.Client{BusinessID: businessID, Name: name, Phone: phone}
	err = clients.CreateClient(ctx, client)
	if errors.Is(err, models.ErrClientExists) {
		return clients.FindClientByPhone(ctx, businessID, phone)
	}
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	slog.Info("findOrCreateClient: client created", "clientID", client.ID, "businessID", businessID)
	return client, nil
}

// logChatMessage appends to the channel log. Failures are logged only.
func logChatMessage(ctx context.Context, messages store.ChatMessageRepo, m *models.ChatMessage) {
	if err := messages.AddChatMessage(ctx, m); err != nil {
		slog.Error("logChatMessage: failed to log message", "threadID", m.ThreadID, "direction", m.Direction, "error", err)
	}
}

// normalizePhone returns phone in E.164 form with a leading +.
func normalizePhone(phone string) string {
	phone = strings.TrimSpace(phone)
	if phone == "" || strings.HasPrefix(phone, "+") {
		return phone
	}
	return "+" + phone
}
