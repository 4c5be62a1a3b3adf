package database

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &DB{conn}, mock
}

func TestInTx_CommitsOnSuccess(t *testing.T) {
	db, mock := newMock(t)
	bucket := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO measurements_1m")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := db.InTx(context.Background(), func(s Store) error {
		return s.UpsertBucket(context.Background(), &AggregateBucket{Bucket: bucket, ProbeID: 1, TargetID: 2, Samples: 60, UpRatio: 1})
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInTx_RollsBackOnError(t *testing.T) {
	db, mock := newMock(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := db.InTx(context.Background(), func(Store) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestBucketStart_Empty(t *testing.T) {
	db, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT MAX(bucket) FROM measurements_1m")).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))

	_, ok, err := db.Store().LatestBucketStart(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProbeLocation_NotFound(t *testing.T) {
	db, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT location_id FROM probes")).
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"location_id"}))

	_, err := db.Store().ProbeLocation(context.Background(), 9)
	assert.True(t, IsNotFound(err))
}

func TestTargetExists(t *testing.T) {
	db, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS (SELECT 1 FROM targets WHERE id = $1)")).
		WithArgs(int64(404)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	ok, err := db.Store().TargetExists(context.Background(), 404)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAckIncident_NoRow(t *testing.T) {
	db, mock := newMock(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE incidents SET status = 'acked'")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := db.Store().AckIncident(context.Background(), 42, "noc", time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListIncidents_BuildsFilter(t *testing.T) {
	db, mock := newMock(t)
	started := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	columns := []string{"id", "target_id", "probe_id", "location_id", "alert_rule_id",
		"severity", "status", "title", "description", "evidence",
		"started_at", "acked_at", "acked_by", "resolved_at", "created_at"}

	mock.ExpectQuery(regexp.QuoteMeta("WHERE status = $1 AND severity = $2 ORDER BY started_at DESC LIMIT $3")).
		WithArgs("open", "critical", 100).
		WillReturnRows(sqlmock.NewRows(columns).AddRow(
			1, 2, 3, 4, 5, "critical", "open", "Target DOWN - 3 consecutive failures", nil,
			[]byte(`{"consecutive_failures":3}`), started, nil, nil, nil, started))

	incidents, err := db.Store().ListIncidents(context.Background(), IncidentFilter{
		Status:   IncidentOpen,
		Severity: SeverityCritical,
	})
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, SeverityCritical, incidents[0].Severity)
	assert.Equal(t, float64(3), incidents[0].Evidence["consecutive_failures"])
	assert.NoError(t, mock.ExpectationsWereMet())
}
