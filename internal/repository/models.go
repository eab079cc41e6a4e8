package repository

import "time"

// ProfilingSession represents the profiling_session table: one replayed dump
// or one live sampling session.
type ProfilingSession struct {
	ID         int64         `gorm:"column:id;primaryKey;autoIncrement"`
	UUID       string        `gorm:"column:uuid;size:64;uniqueIndex"`
	Source     string        `gorm:"column:source;size:1024"`
	Format     string        `gorm:"column:format;size:32"`
	Threads    int           `gorm:"column:threads"`
	Samples    int64         `gorm:"column:samples"`
	Spans      int64         `gorm:"column:spans"`
	Status     SessionStatus `gorm:"column:status;size:16;index"`
	StatusInfo string        `gorm:"column:status_info;type:text"`
	StartedAt  time.Time     `gorm:"column:started_at;index"`
	FinishedAt *time.Time    `gorm:"column:finished_at"`
}

// TableName returns the table name for ProfilingSession.
func (ProfilingSession) TableName() string {
	return "profiling_session"
}

// IsDone reports whether the session reached a final state.
func (s *ProfilingSession) IsDone() bool {
	return s.Status == SessionStatusFinished || s.Status == SessionStatusFailed
}

// Elapsed returns how long the session ran, or zero while it is running.
func (s *ProfilingSession) Elapsed() time.Duration {
	if s.FinishedAt == nil {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}
