package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const outboxColumns = `id, recipient, channel, payload_json, status, attempts, next_attempt_at, dedupe_key, locked_at, last_error, created_at, updated_at`

func (s *SQLStore) EnqueueOutboxMessage(recipient, channel, payloadJSON, dedupeKey string) (string, error) {
	id := "outbox_" + newID()
	now := time.Now().UTC()

	if dedupeKey != "" {
		var existingID string
		err := s.db.Get(&existingID,
			s.q(`SELECT id FROM outbox_messages WHERE dedupe_key = ? AND status NOT IN ('sent', 'canceled', 'failed')`), dedupeKey)
		if err == nil {
			slog.Debug("SQLStore.EnqueueOutboxMessage: dedupe hit", "dedupeKey", dedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("outbox dedupe check failed: %w", err)
		}
	}

	_, err := s.db.Exec(
		s.q(`INSERT INTO outbox_messages (id, recipient, channel, payload_json, status, attempts, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?)`),
		id, recipient, channel, payloadJSON, nilIfEmpty(dedupeKey), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue outbox message failed: %w", err)
	}
	slog.Debug("SQLStore.EnqueueOutboxMessage", "id", id, "recipient", recipient, "channel", channel)
	return id, nil
}

func (s *SQLStore) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	now = now.UTC()
	var rows []outboxRow

	if s.dialect == "postgres" {
		err := s.db.Select(&rows,
			`UPDATE outbox_messages SET status = 'sending', locked_at = $1, updated_at = $1
			 WHERE id IN (
			   SELECT id FROM outbox_messages WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
			   ORDER BY created_at ASC LIMIT $2
			   FOR UPDATE SKIP LOCKED
			 )
			 RETURNING `+outboxColumns, now, limit)
		if err != nil {
			return nil, fmt.Errorf("claim due outbox messages failed: %w", err)
		}
	} else {
		tx, err := s.db.Beginx()
		if err != nil {
			return nil, fmt.Errorf("claim outbox begin failed: %w", err)
		}
		defer tx.Rollback()

		err = tx.Select(&rows,
			`SELECT `+outboxColumns+` FROM outbox_messages
			 WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
			 ORDER BY created_at ASC LIMIT ?`, now, limit)
		if err != nil {
			return nil, fmt.Errorf("claim due outbox messages failed: %w", err)
		}
		for i := range rows {
			if _, err := tx.Exec(`UPDATE outbox_messages SET status = 'sending', locked_at = ?, updated_at = ? WHERE id = ?`,
				now, now, rows[i].ID); err != nil {
				return nil, fmt.Errorf("mark outbox sending failed: %w", err)
			}
			rows[i].Status = string(OutboxStatusSending)
			rows[i].LockedAt = sql.NullTime{Time: now, Valid: true}
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("claim outbox commit failed: %w", err)
		}
	}

	msgs := make([]OutboxMessage, 0, len(rows))
	for _, r := range rows {
		msgs = append(msgs, r.toMessage())
	}
	return msgs, nil
}

func (s *SQLStore) MarkOutboxMessageSent(id string) error {
	_, err := s.db.Exec(s.q(`UPDATE outbox_messages SET status = 'sent', locked_at = NULL, updated_at = ? WHERE id = ?`), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark outbox sent failed: %w", err)
	}
	return nil
}

func (s *SQLStore) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error {
	_, err := s.db.Exec(
		s.q(`UPDATE outbox_messages SET
		   status = CASE WHEN attempts + 1 >= ? THEN 'failed' ELSE 'queued' END,
		   attempts = attempts + 1, last_error = ?, next_attempt_at = ?, locked_at = NULL, updated_at = ?
		 WHERE id = ?`),
		DefaultOutboxMaxAttempts, errMsg, nextAttemptAt.UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("fail outbox message failed: %w", err)
	}
	return nil
}

func (s *SQLStore) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	result, err := s.db.Exec(
		s.q(`UPDATE outbox_messages SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'sending' AND locked_at < ?`),
		time.Now().UTC(), staleBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox messages failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("SQLStore.RequeueStaleSendingMessages", "requeued", n)
	}
	return int(n), nil
}
