package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// pgUniqueViolation is the SQLSTATE of a unique constraint violation.
const pgUniqueViolation = "23505"

// isUniqueViolation reports whether err comes from a unique index on either driver.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	var pgErr *pq.Error
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return false
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// jobRow is the nullable-aware scan target of the jobs table.
type jobRow struct {
	ID          string         `db:"id"`
	Kind        string         `db:"kind"`
	RunAt       time.Time      `db:"run_at"`
	PayloadJSON sql.NullString `db:"payload_json"`
	Status      string         `db:"status"`
	Attempt     int            `db:"attempt"`
	MaxAttempts int            `db:"max_attempts"`
	LastError   sql.NullString `db:"last_error"`
	LockedAt    sql.NullTime   `db:"locked_at"`
	DedupeKey   sql.NullString `db:"dedupe_key"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

func (r jobRow) toJob() Job {
	j := Job{
		ID:          r.ID,
		Kind:        r.Kind,
		RunAt:       r.RunAt,
		PayloadJSON: r.PayloadJSON.String,
		Status:      JobStatus(r.Status),
		Attempt:     r.Attempt,
		MaxAttempts: r.MaxAttempts,
		LastError:   r.LastError.String,
		DedupeKey:   r.DedupeKey.String,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.LockedAt.Valid {
		t := r.LockedAt.Time
		j.LockedAt = &t
	}
	return j
}

// outboxRow is the nullable-aware scan target of the outbox_messages table.
type outboxRow struct {
	ID            string         `db:"id"`
	Recipient     string         `db:"recipient"`
	Channel       string         `db:"channel"`
	PayloadJSON   sql.NullString `db:"payload_json"`
	Status        string         `db:"status"`
	Attempts      int            `db:"attempts"`
	NextAttemptAt sql.NullTime   `db:"next_attempt_at"`
	DedupeKey     sql.NullString `db:"dedupe_key"`
	LockedAt      sql.NullTime   `db:"locked_at"`
	LastError     sql.NullString `db:"last_error"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

func (r outboxRow) toMessage() OutboxMessage {
	m := OutboxMessage{
		ID:          r.ID,
		Recipient:   r.Recipient,
		Channel:     r.Channel,
		PayloadJSON: r.PayloadJSON.String,
		Status:      OutboxStatus(r.Status),
		Attempts:    r.Attempts,
		DedupeKey:   r.DedupeKey.String,
		LastError:   r.LastError.String,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.NextAttemptAt.Valid {
		t := r.NextAttemptAt.Time
		m.NextAttemptAt = &t
	}
	if r.LockedAt.Valid {
		t := r.LockedAt.Time
		m.LockedAt = &t
	}
	return m
}
