package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

func (s *SQLStore) IsDuplicate(messageID string) (bool, error) {
	var id string
	err := s.db.Get(&id, s.q(`SELECT message_id FROM inbound_dedup WHERE message_id = ?`), messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return true, nil
}

func (s *SQLStore) RecordInbound(messageID, sender string) (bool, error) {
	res, err := s.db.Exec(
		s.q(`INSERT INTO inbound_dedup (message_id, sender, received_at) VALUES (?, ?, ?) ON CONFLICT (message_id) DO NOTHING`),
		messageID, sender, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record inbound rows affected failed: %w", err)
	}
	if n == 0 {
		slog.Debug("SQLStore.RecordInbound: duplicate message", "messageID", messageID)
		return false, nil
	}
	return true, nil
}

func (s *SQLStore) MarkProcessed(messageID string) error {
	_, err := s.db.Exec(
		s.q(`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`),
		time.Now().UTC(), messageID,
	)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (s *SQLStore) PurgeDedupBefore(before time.Time) (int, error) {
	res, err := s.db.Exec(s.q(`DELETE FROM inbound_dedup WHERE received_at < ?`), before.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge dedup failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("SQLStore.PurgeDedupBefore", "deleted", n)
	}
	return int(n), nil
}
