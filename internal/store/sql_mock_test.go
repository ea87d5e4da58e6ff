package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/darshan-rambhia/petrowatch/internal/model"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newMockPostgres returns a Postgres-dialect store over sqlmock.
func newMockPostgres(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return newSQLStore(db, dialectPostgres), mock
}

func TestRebind(t *testing.T) {
	tests := []struct {
		name  string
		d     dialect
		query string
		want  string
	}{
		{"sqlite unchanged", dialectSQLite, "SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = ? AND b = ?"},
		{"postgres numbered", dialectPostgres, "SELECT * FROM t WHERE a = ? AND b IN (?, ?)", "SELECT * FROM t WHERE a = $1 AND b IN ($2, $3)"},
		{"no params", dialectPostgres, "SELECT 1", "SELECT 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.d.rebind(tt.query))
		})
	}
}

func TestPostgres_AckAlarmUsesGuardedUpdate(t *testing.T) {
	s, mock := newMockPostgres(t)
	at := time.UnixMilli(1_700_000_000_000)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE alarm_events SET state = $1, ack_at = $2, ack_by = $3 WHERE id = $4 AND state = $5")).
		WithArgs("acknowledged", at.UnixMilli(), "u-1", "a-1", "raised").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	var ok bool
	err := s.Write(context.Background(), func(tx Tx) error {
		var err error
		ok, err = tx.AckAlarm(context.Background(), "a-1", "u-1", at)
		return err
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_InsertConflictRollsBack(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO orgs (id, name, created_at) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.Write(context.Background(), func(tx Tx) error {
		return tx.InsertOrg(context.Background(), model.Org{ID: "org-1", Name: "Demo"})
	})
	assert.ErrorIs(t, err, model.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ForeignKeyViolationIsNotFound(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO tanks").
		WillReturnError(&pq.Error{Code: "23503", Message: "violates foreign key constraint"})
	mock.ExpectRollback()

	err := s.Write(context.Background(), func(tx Tx) error {
		return tx.InsertTank(context.Background(), model.Tank{ID: "tank-x-1", SiteID: "site-x"})
	})
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ToggleConnectionReturnsNewStatus(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE connection_status SET status = CASE status .* WHERE id = \$2 RETURNING status`).
		WithArgs(sqlmock.AnyArg(), "conn-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("connected"))
	mock.ExpectCommit()

	var got model.ConnState
	err := s.Write(context.Background(), func(tx Tx) error {
		var err error
		got, err = tx.ToggleConnection(context.Background(), "conn-1", time.Now())
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, model.ConnConnected, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_DriftUsesGreatestAndLeast(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectExec(`LEAST\(.*GREATEST\(0, fuel_volume_l \+ \$1\)\) ELSE GREATEST\(0, fuel_volume_l \+ \$2\) END`).
		WithArgs(5.0, 5.0, 5.0, 5.0, sqlmock.AnyArg(), "m-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.Write(context.Background(), func(tx Tx) error {
		return tx.DriftMeasurement(context.Background(), "m-1", 5, time.Now(), true)
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ReadAlwaysRollsBack(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM users")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectRollback()

	var n int
	err := s.Read(context.Background(), func(tx Tx) error {
		var err error
		n, err = tx.CountUsers(context.Background())
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_InitAddsMissingColumns(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()
	s := newSQLStore(db, dialectPostgres)

	mock.ExpectPing()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS orgs").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("ALTER TABLE sites ADD COLUMN IF NOT EXISTS postal_code")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.Init(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
