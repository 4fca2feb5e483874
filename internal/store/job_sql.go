package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const jobColumns = `id, kind, run_at, payload_json, status, attempt, max_attempts, last_error, locked_at, dedupe_key, created_at, updated_at`

func (s *SQLStore) EnqueueJob(kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	id := "job_" + newID()
	now := time.Now().UTC()

	if dedupeKey != "" {
		// Check for existing non-terminal job with same dedupe key
		var existingID string
		err := s.db.Get(&existingID,
			s.q(`SELECT id FROM jobs WHERE dedupe_key = ? AND status NOT IN ('done', 'canceled', 'failed')`), dedupeKey)
		if err == nil {
			slog.Debug("SQLStore.EnqueueJob: dedupe hit", "dedupeKey", dedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("dedupe check failed: %w", err)
		}
	}

	_, err := s.db.Exec(
		s.q(`INSERT INTO jobs (id, kind, run_at, payload_json, status, attempt, max_attempts, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?, ?)`),
		id, kind, runAt.UTC(), payloadJSON, DefaultJobMaxAttempts, nilIfEmpty(dedupeKey), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue job failed: %w", err)
	}
	slog.Debug("SQLStore.EnqueueJob", "id", id, "kind", kind, "runAt", runAt)
	return id, nil
}

func (s *SQLStore) ClaimDueJobs(now time.Time, limit int) ([]Job, error) {
	now = now.UTC()
	var rows []jobRow

	if s.dialect == "postgres" {
		err := s.db.Select(&rows,
			`UPDATE jobs SET status = 'running', locked_at = $1, updated_at = $1
			 WHERE id IN (
			   SELECT id FROM jobs WHERE status = 'queued' AND run_at <= $1
			   ORDER BY run_at ASC LIMIT $2
			   FOR UPDATE SKIP LOCKED
			 )
			 RETURNING `+jobColumns, now, limit)
		if err != nil {
			return nil, fmt.Errorf("claim due jobs failed: %w", err)
		}
	} else {
		tx, err := s.db.Beginx()
		if err != nil {
			return nil, fmt.Errorf("claim due jobs begin failed: %w", err)
		}
		defer tx.Rollback()

		err = tx.Select(&rows,
			`SELECT `+jobColumns+` FROM jobs WHERE status = 'queued' AND run_at <= ? ORDER BY run_at ASC LIMIT ?`, now, limit)
		if err != nil {
			return nil, fmt.Errorf("claim due jobs query failed: %w", err)
		}
		for i := range rows {
			if _, err := tx.Exec(`UPDATE jobs SET status = 'running', locked_at = ?, updated_at = ? WHERE id = ?`,
				now, now, rows[i].ID); err != nil {
				return nil, fmt.Errorf("mark job running failed: %w", err)
			}
			rows[i].Status = string(JobStatusRunning)
			rows[i].LockedAt = sql.NullTime{Time: now, Valid: true}
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("claim due jobs commit failed: %w", err)
		}
	}

	jobs := make([]Job, 0, len(rows))
	for _, r := range rows {
		jobs = append(jobs, r.toJob())
	}
	return jobs, nil
}

func (s *SQLStore) CompleteJob(id string) error {
	_, err := s.db.Exec(s.q(`UPDATE jobs SET status = 'done', locked_at = NULL, updated_at = ? WHERE id = ?`), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("complete job failed: %w", err)
	}
	return nil
}

func (s *SQLStore) FailJob(id string, errMsg string, nextRunAt time.Time) error {
	now := time.Now().UTC()

	var counts struct {
		Attempt     int `db:"attempt"`
		MaxAttempts int `db:"max_attempts"`
	}
	if err := s.db.Get(&counts, s.q(`SELECT attempt, max_attempts FROM jobs WHERE id = ?`), id); err != nil {
		return fmt.Errorf("fail job lookup failed: %w", err)
	}

	attempt := counts.Attempt + 1
	var err error
	if attempt >= counts.MaxAttempts {
		_, err = s.db.Exec(
			s.q(`UPDATE jobs SET status = 'failed', attempt = ?, last_error = ?, locked_at = NULL, updated_at = ? WHERE id = ?`),
			attempt, errMsg, now, id,
		)
		slog.Warn("SQLStore.FailJob: attempts exhausted", "id", id, "attempt", attempt)
	} else {
		_, err = s.db.Exec(
			s.q(`UPDATE jobs SET status = 'queued', attempt = ?, last_error = ?, run_at = ?, locked_at = NULL, updated_at = ? WHERE id = ?`),
			attempt, errMsg, nextRunAt.UTC(), now, id,
		)
	}
	if err != nil {
		return fmt.Errorf("fail job update failed: %w", err)
	}
	return nil
}

func (s *SQLStore) CancelJob(id string) error {
	_, err := s.db.Exec(s.q(`UPDATE jobs SET status = 'canceled', locked_at = NULL, updated_at = ? WHERE id = ?`), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("cancel job failed: %w", err)
	}
	return nil
}

func (s *SQLStore) RequeueStaleRunningJobs(staleBefore time.Time) (int, error) {
	result, err := s.db.Exec(
		s.q(`UPDATE jobs SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'running' AND locked_at < ?`),
		time.Now().UTC(), staleBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("SQLStore.RequeueStaleRunningJobs", "requeued", n)
	}
	return int(n), nil
}

func (s *SQLStore) GetJob(id string) (*Job, error) {
	var row jobRow
	err := s.db.Get(&row, s.q(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job failed: %w", err)
	}
	j := row.toJob()
	return &j, nil
}

func (s *SQLStore) ListJobs(status JobStatus, limit int) ([]Job, error) {
	var rows []jobRow
	err := s.db.Select(&rows,
		s.q(`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY updated_at DESC LIMIT ?`), string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs failed: %w", err)
	}
	jobs := make([]Job, 0, len(rows))
	for _, r := range rows {
		jobs = append(jobs, r.toJob())
	}
	return jobs, nil
}
