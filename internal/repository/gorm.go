package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	apperrors "github.com/span-profiler/pkg/errors"
)

// GormSessionRepository implements SessionRepository using GORM.
type GormSessionRepository struct {
	db *gorm.DB
}

// NewGormSessionRepository creates a new GormSessionRepository.
func NewGormSessionRepository(db *gorm.DB) *GormSessionRepository {
	return &GormSessionRepository{db: db}
}

// Create inserts a new session.
func (r *GormSessionRepository) Create(ctx context.Context, session *ProfilingSession) error {
	if session.UUID == "" {
		return apperrors.New(apperrors.CodeDatabaseError, "session uuid is required")
	}
	if session.Status == "" {
		session.Status = SessionStatusRunning
	}
	if err := r.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// MarkFinished records a successful session.
func (r *GormSessionRepository) MarkFinished(ctx context.Context, uuid string, summary SessionSummary, finishedAt time.Time) error {
	return r.update(ctx, uuid, map[string]interface{}{
		"status":      SessionStatusFinished,
		"threads":     summary.Threads,
		"samples":     summary.Samples,
		"spans":       summary.Spans,
		"finished_at": finishedAt,
	})
}

// MarkFailed records a failed session.
func (r *GormSessionRepository) MarkFailed(ctx context.Context, uuid string, info string, finishedAt time.Time) error {
	return r.update(ctx, uuid, map[string]interface{}{
		"status":      SessionStatusFailed,
		"status_info": info,
		"finished_at": finishedAt,
	})
}

func (r *GormSessionRepository) update(ctx context.Context, uuid string, values map[string]interface{}) error {
	result := r.db.WithContext(ctx).
		Model(&ProfilingSession{}).
		Where("uuid = ?", uuid).
		Updates(values)

	if result.Error != nil {
		return fmt.Errorf("failed to update session: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.Newf(apperrors.CodeNotFound, "session not found: %s", uuid)
	}
	return nil
}

// GetByUUID retrieves a session by its UUID.
func (r *GormSessionRepository) GetByUUID(ctx context.Context, uuid string) (*ProfilingSession, error) {
	var session ProfilingSession

	err := r.db.WithContext(ctx).Where("uuid = ?", uuid).First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.Newf(apperrors.CodeNotFound, "session not found: %s", uuid)
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return &session, nil
}

// ListRecent returns the most recently started sessions.
func (r *GormSessionRepository) ListRecent(ctx context.Context, limit int) ([]*ProfilingSession, error) {
	var sessions []*ProfilingSession

	err := r.db.WithContext(ctx).
		Order("started_at DESC, id DESC").
		Limit(limit).
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	return sessions, nil
}
