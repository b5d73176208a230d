package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notiq/notiq/internal/persistence"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	return sqlx.NewDb(mockDB, "postgres"), mock
}

func monitorRows(mc, mb int64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"key", "project", "type",
		"mc", "mb", "bmc", "bmb", "cmc", "cmb",
		"tsmc", "tsmb", "smc", "smb",
	}).AddRow("proj/topics/events", "proj", "topics", mc, mb, 0, 0, 0, 0, 0, 0, 0, 0)
}

func TestMonitorsRepoCreate(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMonitorsRepo(db, time.Second, nil)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO monitors")).
		WithArgs("proj/topics/events", "proj", "topics").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Create(context.Background(), "events", "topics", "proj"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMonitorsRepoCreateDuplicate(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMonitorsRepo(db, time.Second, nil)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO monitors")).
		WillReturnError(&pq.Error{Code: "23505"})

	err := repo.Create(context.Background(), "events", "topics", "proj")
	assert.ErrorIs(t, err, persistence.ErrMonitorAlreadyExist)
}

func TestMonitorsRepoGetNormalizes(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMonitorsRepo(db, time.Second, nil)

	mock.ExpectQuery(regexp.QuoteMeta("FROM monitors")).
		WithArgs("proj/topics/events").
		WillReturnRows(monitorRows(3, 2048))

	stats, err := repo.Get(context.Background(), "events", "topics", "proj")
	require.NoError(t, err)

	assert.Equal(t, "proj/topics/events", stats.Key)
	assert.Equal(t, int64(3), stats.Counters["msg_counts"])
	assert.Equal(t, 2.0, stats.Counters["msg_bytes"], "bytes read back as kilobytes")
}

func TestMonitorsRepoGetMissing(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMonitorsRepo(db, time.Second, nil)

	mock.ExpectQuery(regexp.QuoteMeta("FROM monitors")).
		WithArgs("proj/topics/ghost").
		WillReturnRows(sqlmock.NewRows([]string{"key"}))

	_, err := repo.Get(context.Background(), "ghost", "topics", "proj")
	assert.ErrorIs(t, err, persistence.ErrMonitorDoesNotExist)
}

func TestMonitorsRepoUpdateSingleSend(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMonitorsRepo(db, time.Second, nil)

	// "x" serializes to 3 bytes; a single message lands on mc/mb.
	mock.ExpectExec(regexp.QuoteMeta("UPDATE monitors SET mb = mb + $1, mc = mc + $2 WHERE key = $3")).
		WithArgs(int64(3), int64(1), "proj/queues/orders").
		WillReturnResult(sqlmock.NewResult(0, 1))

	messages := []persistence.Message{{Body: "x"}}
	err := repo.Update(context.Background(), messages, "orders", "proj", persistence.SendMessages, true)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMonitorsRepoUpdateCreatesOnMiss(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMonitorsRepo(db, time.Second, nil)

	update := regexp.QuoteMeta("UPDATE monitors SET smb = smb + $1, smc = smc + $2 WHERE key = $3")

	mock.ExpectExec(update).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO monitors")).
		WithArgs("proj/topics/events", "proj", "topics").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(update).WillReturnResult(sqlmock.NewResult(0, 1))

	messages := []persistence.Message{{Body: "x"}, {Body: "y"}}
	err := repo.Update(context.Background(), messages, "events", "proj", persistence.SubscribeMessages, true)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMonitorsRepoList(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMonitorsRepo(db, time.Second, nil)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE key > $1")).
		WithArgs("", "proj", "topics", 1).
		WillReturnRows(monitorRows(1, 0))

	stats, marker, err := repo.List(context.Background(), persistence.MonitorListOptions{
		Project: "proj",
		Type:    "topics",
		Limit:   1,
	})
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, "proj/topics/events", marker, "a full page carries a marker")
}
