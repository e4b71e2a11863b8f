package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Attempt is one capture attempt as seen by this service, whatever its result.
type Attempt struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Mode       Mode      `json:"mode"`
	StudentID  string    `json:"student_id,omitempty"`
	RawCode    string    `json:"raw_code,omitempty"`
	Status     Status    `json:"status,omitempty"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Journal receives every capture attempt.
type Journal interface {
	RecordAttempt(ctx context.Context, a Attempt) error
}

// Repository persists capture attempts in Postgres.
type Repository struct {
	db *sql.DB
}

var _ Journal = (*Repository)(nil)

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const journalSchema = `
CREATE TABLE IF NOT EXISTS capture_attempts (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	mode        TEXT NOT NULL,
	student_id  TEXT NOT NULL DEFAULT '',
	raw_code    TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT '',
	outcome     TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	occurred_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_capture_attempts_session ON capture_attempts(session_id, occurred_at DESC);
`

// Migrate creates the journal table if needed.
func (r *Repository) Migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, journalSchema)
	return err
}

// RecordAttempt writes one attempt.
func (r *Repository) RecordAttempt(ctx context.Context, a Attempt) error {
	if a.SessionID == "" {
		return errors.New("session id required")
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.OccurredAt.IsZero() {
		a.OccurredAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO capture_attempts (id, session_id, mode, student_id, raw_code, status, outcome, error, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, a.ID, a.SessionID, string(a.Mode), a.StudentID, a.RawCode, string(a.Status), a.Outcome, a.Error, a.OccurredAt)
	return err
}

// ListAttempts returns attempts for a session, newest first.
func (r *Repository) ListAttempts(ctx context.Context, sessionID, outcome string, limit, offset int) ([]Attempt, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT id, session_id, mode, student_id, raw_code, status, outcome, error, occurred_at FROM capture_attempts`
	args := []any{}
	clauses := []string{}
	if sessionID != "" {
		args = append(args, sessionID)
		clauses = append(clauses, fmt.Sprintf("session_id = $%d", len(args)))
	}
	if outcome != "" {
		args = append(args, outcome)
		clauses = append(clauses, fmt.Sprintf("outcome = $%d", len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY occurred_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Attempt
	for rows.Next() {
		var a Attempt
		var mode, status string
		if err := rows.Scan(&a.ID, &a.SessionID, &mode, &a.StudentID, &a.RawCode, &status, &a.Outcome, &a.Error, &a.OccurredAt); err != nil {
			return nil, err
		}
		a.Mode, a.Status = Mode(mode), Status(status)
		res = append(res, a)
	}
	return res, rows.Err()
}
