package repository

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/span-profiler/pkg/config"
)

func newTestGormDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return db
}

func TestDialector(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.DatabaseConfig
		want    string
		wantErr bool
	}{
		{name: "SQLite", cfg: config.DatabaseConfig{Type: "sqlite", Path: "x.db"}, want: "sqlite"},
		{name: "Default", cfg: config.DatabaseConfig{}, want: "sqlite"},
		{name: "PostgreSQL", cfg: config.DatabaseConfig{Type: "postgres", Host: "db", Port: 5432}, want: "postgres"},
		{name: "PostgreSQL_Alt", cfg: config.DatabaseConfig{Type: "postgresql"}, want: "postgres"},
		{name: "MySQL", cfg: config.DatabaseConfig{Type: "mysql", Host: "db", Port: 3306}, want: "mysql"},
		{name: "Unsupported", cfg: config.DatabaseConfig{Type: "oracle"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := Dialector(&tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Name())
		})
	}
}

func TestOpen_SQLiteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	repos, err := Open(&config.DatabaseConfig{Type: "sqlite", Path: path})
	require.NoError(t, err)
	defer repos.Close()

	assert.NotNil(t, repos.Session)
	assert.NoError(t, repos.HealthCheck(context.Background()))
	assert.NotNil(t, repos.DB())
	assert.True(t, repos.GormDB().Migrator().HasTable(&ProfilingSession{}))
}

func TestRepositories_Close(t *testing.T) {
	repos := NewRepositories(newTestGormDB(t))
	assert.NoError(t, repos.Close())

	empty := &Repositories{}
	assert.NoError(t, empty.Close())
}
