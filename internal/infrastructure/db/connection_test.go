package db

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notiq/notiq/internal/config"
)

func newMockManager(t *testing.T) (*Manager, sqlmock.Sqlmock) {
	t.Helper()

	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	cfg := config.Default().Drivers.Control.Postgres
	return NewManagerWithDB(sqlx.NewDb(mockDB, "postgres"), cfg), mock
}

func TestNewManagerRequiresDSN(t *testing.T) {
	_, err := NewManager(config.PostgresConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dsn")
}

func TestManagerPing(t *testing.T) {
	mgr, mock := newMockManager(t)

	mock.ExpectPing()
	require.NoError(t, mgr.Ping(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestManagerControllers(t *testing.T) {
	mgr, _ := newMockManager(t)

	topics, subs, monitors := mgr.Controllers(nil)
	assert.NotNil(t, topics)
	assert.NotNil(t, subs)
	assert.NotNil(t, monitors)
}

func TestManagerStats(t *testing.T) {
	mgr, _ := newMockManager(t)

	stats := mgr.Stats()
	assert.Contains(t, stats, "open_connections")
	assert.Contains(t, stats, "in_use")
}
