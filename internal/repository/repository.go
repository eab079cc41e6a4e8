// Package repository records profiling sessions in a database.
package repository

import (
	"context"
	"time"
)

// SessionStatus is the state of a profiling session.
type SessionStatus string

const (
	SessionStatusRunning  SessionStatus = "running"
	SessionStatusFinished SessionStatus = "finished"
	SessionStatusFailed   SessionStatus = "failed"
)

// SessionSummary holds the counters recorded when a session finishes.
type SessionSummary struct {
	Threads int
	Samples int64
	Spans   int64
}

// SessionRepository defines the interface for profiling session bookkeeping.
type SessionRepository interface {
	// Create inserts a new session. UUID must be set.
	Create(ctx context.Context, session *ProfilingSession) error

	// MarkFinished records a successful session.
	MarkFinished(ctx context.Context, uuid string, summary SessionSummary, finishedAt time.Time) error

	// MarkFailed records a failed session with the failure reason.
	MarkFailed(ctx context.Context, uuid string, info string, finishedAt time.Time) error

	// GetByUUID retrieves a session by its UUID.
	GetByUUID(ctx context.Context, uuid string) (*ProfilingSession, error)

	// ListRecent returns the most recently started sessions.
	ListRecent(ctx context.Context, limit int) ([]*ProfilingSession, error)
}
