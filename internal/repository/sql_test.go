package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/span-profiler/pkg/errors"
)

var sessionRowColumns = []string{
	"id", "uuid", "source", "format", "threads", "samples", "spans",
	"status", "status_info", "started_at", "finished_at",
}

func TestSQLSessionRepository_Bind(t *testing.T) {
	pg := NewSQLSessionRepository(nil, DBTypePostgres)
	assert.Equal(t, "a = $1 AND b = $2", pg.bind("a = ? AND b = ?"))

	my := NewSQLSessionRepository(nil, DBTypeMySQL)
	assert.Equal(t, "a = ? AND b = ?", my.bind("a = ? AND b = ?"))
}

func TestSQLSessionRepository_Create(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewSQLSessionRepository(db, DBTypePostgres)
	started := time.Now()

	mock.ExpectExec("INSERT INTO profiling_session").
		WithArgs("s-1", "app.jfr", "jfr", 0, int64(0), int64(0), SessionStatusRunning, "", started).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = repo.Create(context.Background(), &ProfilingSession{UUID: "s-1", Source: "app.jfr", Format: "jfr", StartedAt: started})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLSessionRepository_MarkFinished(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewSQLSessionRepository(db, DBTypeMySQL)
	finished := time.Now()

	t.Run("Success", func(t *testing.T) {
		mock.ExpectExec("UPDATE profiling_session").
			WithArgs(SessionStatusFinished, 2, int64(10), int64(4), finished, "s-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := repo.MarkFinished(context.Background(), "s-1", SessionSummary{Threads: 2, Samples: 10, Spans: 4}, finished)
		require.NoError(t, err)
	})

	t.Run("NotFound", func(t *testing.T) {
		mock.ExpectExec("UPDATE profiling_session").
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := repo.MarkFailed(context.Background(), "missing", "boom", finished)
		assert.True(t, apperrors.IsNotFound(err))
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLSessionRepository_GetByUUID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewSQLSessionRepository(db, DBTypePostgres)
	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	finished := started.Add(time.Second)

	t.Run("Success", func(t *testing.T) {
		rows := sqlmock.NewRows(sessionRowColumns).
			AddRow(int64(7), "s-1", "app.jfr", "jfr", 3, int64(90), int64(12), "finished", "", started, finished)
		mock.ExpectQuery("SELECT id, uuid").WithArgs("s-1").WillReturnRows(rows)

		s, err := repo.GetByUUID(context.Background(), "s-1")
		require.NoError(t, err)
		assert.Equal(t, int64(7), s.ID)
		assert.Equal(t, SessionStatusFinished, s.Status)
		assert.Equal(t, 3, s.Threads)
		require.NotNil(t, s.FinishedAt)
		assert.Equal(t, time.Second, s.Elapsed())
	})

	t.Run("NotFound", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, uuid").WithArgs("missing").WillReturnRows(sqlmock.NewRows(sessionRowColumns))

		_, err := repo.GetByUUID(context.Background(), "missing")
		assert.True(t, apperrors.IsNotFound(err))
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLSessionRepository_ListRecent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewSQLSessionRepository(db, DBTypeMySQL)
	started := time.Now()

	rows := sqlmock.NewRows(sessionRowColumns).
		AddRow(int64(2), "s-2", "b.txt", "traces", 1, int64(5), int64(1), "running", "", started, nil).
		AddRow(int64(1), "s-1", "a.jfr", "jfr", 2, int64(9), int64(3), "failed", "bad magic", started, started)
	mock.ExpectQuery("SELECT id, uuid").WithArgs(10).WillReturnRows(rows)

	sessions, err := repo.ListRecent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Nil(t, sessions[0].FinishedAt)
	assert.Equal(t, SessionStatusFailed, sessions[1].Status)
	assert.Equal(t, "bad magic", sessions[1].StatusInfo)
	assert.NoError(t, mock.ExpectationsWereMet())
}
