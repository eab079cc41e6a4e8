package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/span-profiler/pkg/errors"
)

// SQLSessionRepository implements SessionRepository with plain SQL, for
// callers that already hold a *sql.DB. Placeholders follow the dialect:
// $n for PostgreSQL and ? for MySQL and SQLite.
type SQLSessionRepository struct {
	db      *sql.DB
	dialect DBType
}

// NewSQLSessionRepository creates a new SQLSessionRepository.
func NewSQLSessionRepository(db *sql.DB, dialect DBType) *SQLSessionRepository {
	return &SQLSessionRepository{db: db, dialect: dialect}
}

// bind rewrites ? placeholders for the dialect.
func (r *SQLSessionRepository) bind(query string) string {
	if r.dialect != DBTypePostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

const sessionColumns = `id, uuid, COALESCE(source, ''), COALESCE(format, ''), threads, samples, spans,
	status, COALESCE(status_info, ''), started_at, finished_at`

// Create inserts a new session.
func (r *SQLSessionRepository) Create(ctx context.Context, session *ProfilingSession) error {
	if session.UUID == "" {
		return apperrors.New(apperrors.CodeDatabaseError, "session uuid is required")
	}
	if session.Status == "" {
		session.Status = SessionStatusRunning
	}

	query := r.bind(`
		INSERT INTO profiling_session (uuid, source, format, threads, samples, spans, status, status_info, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := r.db.ExecContext(ctx, query,
		session.UUID, session.Source, session.Format,
		session.Threads, session.Samples, session.Spans,
		session.Status, session.StatusInfo, session.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// MarkFinished records a successful session.
func (r *SQLSessionRepository) MarkFinished(ctx context.Context, uuid string, summary SessionSummary, finishedAt time.Time) error {
	query := r.bind(`
		UPDATE profiling_session
		SET status = ?, threads = ?, samples = ?, spans = ?, finished_at = ?
		WHERE uuid = ?
	`)
	return r.exec(ctx, uuid, query,
		SessionStatusFinished, summary.Threads, summary.Samples, summary.Spans, finishedAt, uuid)
}

// MarkFailed records a failed session.
func (r *SQLSessionRepository) MarkFailed(ctx context.Context, uuid string, info string, finishedAt time.Time) error {
	query := r.bind(`
		UPDATE profiling_session
		SET status = ?, status_info = ?, finished_at = ?
		WHERE uuid = ?
	`)
	return r.exec(ctx, uuid, query, SessionStatusFailed, info, finishedAt, uuid)
}

func (r *SQLSessionRepository) exec(ctx context.Context, uuid, query string, args ...interface{}) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if n == 0 {
		return apperrors.Newf(apperrors.CodeNotFound, "session not found: %s", uuid)
	}
	return nil
}

// GetByUUID retrieves a session by its UUID.
func (r *SQLSessionRepository) GetByUUID(ctx context.Context, uuid string) (*ProfilingSession, error) {
	query := r.bind(`SELECT ` + sessionColumns + ` FROM profiling_session WHERE uuid = ?`)

	session, err := scanSession(r.db.QueryRowContext(ctx, query, uuid))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.Newf(apperrors.CodeNotFound, "session not found: %s", uuid)
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// ListRecent returns the most recently started sessions.
func (r *SQLSessionRepository) ListRecent(ctx context.Context, limit int) ([]*ProfilingSession, error) {
	query := r.bind(`SELECT ` + sessionColumns + ` FROM profiling_session ORDER BY started_at DESC, id DESC LIMIT ?`)

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*ProfilingSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return sessions, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*ProfilingSession, error) {
	s := &ProfilingSession{}
	var finishedAt sql.NullTime
	var status string

	err := row.Scan(
		&s.ID, &s.UUID, &s.Source, &s.Format, &s.Threads, &s.Samples, &s.Spans,
		&status, &s.StatusInfo, &s.StartedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}
	s.Status = SessionStatus(status)
	if finishedAt.Valid {
		s.FinishedAt = &finishedAt.Time
	}
	return s, nil
}
