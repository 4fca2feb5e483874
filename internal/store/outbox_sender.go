package store

import (
	"context"
	"log/slog"
	"time"
)

// OutboxSendFunc delivers one outbox message over its channel. A returned
// error schedules a retry until the message's attempts run out.
type OutboxSendFunc func(ctx context.Context, msg OutboxMessage) error

// OutboxUndeliveredFunc is told about a message whose final send attempt failed.
type OutboxUndeliveredFunc func(ctx context.Context, msg OutboxMessage, err error)

// OutboxSender claims due outbox messages and hands them to its send function.
type OutboxSender struct {
	repo           OutboxRepo
	send           OutboxSendFunc
	onUndelivered  OutboxUndeliveredFunc
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
	baseBackoff    time.Duration
	maxAttempts    int
	now            func() time.Time
}

// NewOutboxSender creates an OutboxSender polling repo every pollInterval.
func NewOutboxSender(repo OutboxRepo, send OutboxSendFunc, pollInterval time.Duration) *OutboxSender {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &OutboxSender{
		repo:           repo,
		send:           send,
		pollInterval:   pollInterval,
		staleThreshold: 5 * time.Minute,
		claimLimit:     10,
		baseBackoff:    10 * time.Second,
		maxAttempts:    DefaultOutboxMaxAttempts,
		now:            time.Now,
	}
}

// OnUndelivered sets the function told when a message is given up on.
func (s *OutboxSender) OnUndelivered(fn OutboxUndeliveredFunc) {
	s.onUndelivered = fn
}

// RecoverStaleMessages requeues messages left in sending state by a previous process.
func (s *OutboxSender) RecoverStaleMessages() error {
	n, err := s.repo.RequeueStaleSendingMessages(s.now().Add(-s.staleThreshold))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStaleMessages: requeued stale messages", "count", n)
	}
	return nil
}

// Run delivers due messages until ctx is cancelled.
func (s *OutboxSender) Run(ctx context.Context) {
	slog.Info("OutboxSender.Run: starting", "pollInterval", s.pollInterval)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("OutboxSender.Run: stopping")
			return
		case <-ticker.C:
			s.SendDue(ctx)
		}
	}
}

// SendDue claims and delivers the messages due now. It returns how many were claimed.
func (s *OutboxSender) SendDue(ctx context.Context) int {
	now := s.now()
	msgs, err := s.repo.ClaimDueOutboxMessages(now, s.claimLimit)
	if err != nil {
		slog.Error("OutboxSender.SendDue: claim failed", "error", err)
		return 0
	}
	for _, msg := range msgs {
		s.deliver(ctx, msg, now)
	}
	return len(msgs)
}

func (s *OutboxSender) deliver(ctx context.Context, msg OutboxMessage, now time.Time) {
	slog.Debug("OutboxSender.deliver: sending", "outboxID", msg.ID, "channel", msg.Channel, "attempt", msg.Attempts+1)
	sendErr := s.send(ctx, msg)
	if sendErr == nil {
		if err := s.repo.MarkOutboxMessageSent(msg.ID); err != nil {
			slog.Error("OutboxSender.deliver: mark sent error", "outboxID", msg.ID, "error", err)
		}
		return
	}

	slog.Error("OutboxSender.deliver: send failed", "outboxID", msg.ID, "channel", msg.Channel, "attempt", msg.Attempts+1, "error", sendErr)
	if err := s.repo.FailOutboxMessage(msg.ID, sendErr.Error(), now.Add(backoff(s.baseBackoff, msg.Attempts))); err != nil {
		slog.Error("OutboxSender.deliver: fail message error", "outboxID", msg.ID, "error", err)
		return
	}
	if msg.Attempts+1 < s.maxAttempts {
		return
	}
	slog.Warn("OutboxSender.deliver: giving up on message", "outboxID", msg.ID, "channel", msg.Channel, "attempts", msg.Attempts+1)
	if s.onUndelivered != nil {
		msg.Attempts++
		msg.Status = OutboxStatusFailed
		msg.LastError = sendErr.Error()
		s.onUndelivered(ctx, msg, sendErr)
	}
}
