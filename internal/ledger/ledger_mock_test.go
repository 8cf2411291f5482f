package ledger

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apierrors "localrag/internal/errors"
	"localrag/internal/shared/testutil"
)

var errFakeBusy = errors.New("database is locked")

func newMockLedger(t *testing.T, opts ...Option) (*Ledger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := testutil.NewFakeClock(testStart)
	opts = append([]Option{WithClock(clock.Now), WithLocation(time.UTC)}, opts...)
	l := New(db, opts...)
	l.baseBackoff = time.Millisecond
	l.retryable = func(err error) bool { return errors.Is(err, errFakeBusy) }
	return l, mock
}

var selectDaily = regexp.QuoteMeta(`SELECT daily_queries, last_reset_date FROM license_usage WHERE license_hash = ?`)

func TestLedgerError_BeginFailure(t *testing.T) {
	l, mock := newMockLedger(t)
	mock.ExpectBegin().WillReturnError(errors.New("disk I/O error"))

	_, err := l.CheckAndMaybeReset(context.Background(), "fp")
	require.Error(t, err)
	assert.ErrorIs(t, err, apierrors.ErrLedger)

	var le *Error
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "check_and_maybe_reset", le.Op)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerError_QueryFailureRollsBack(t *testing.T) {
	l, mock := newMockLedger(t)
	mock.ExpectBegin()
	mock.ExpectQuery(selectDaily).WithArgs("fp").WillReturnError(errors.New("no such table"))
	mock.ExpectRollback()

	err := l.RecordUsage(context.Background(), "fp", QueryMetrics{})
	assert.ErrorIs(t, err, apierrors.ErrLedger)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedger_MissingRecordIsNotLedgerError(t *testing.T) {
	l, mock := newMockLedger(t)
	mock.ExpectBegin()
	mock.ExpectQuery(selectDaily).WithArgs("fp").
		WillReturnRows(sqlmock.NewRows([]string{"daily_queries", "last_reset_date"}))
	mock.ExpectRollback()

	_, err := l.Reserve(context.Background(), "fp", 10)
	assert.ErrorIs(t, err, apierrors.ErrRecordNotFound)
	assert.NotErrorIs(t, err, apierrors.ErrLedger)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedger_RetriesBusyThenSucceeds(t *testing.T) {
	l, mock := newMockLedger(t)
	mock.ExpectBegin().WillReturnError(errFakeBusy)
	mock.ExpectBegin().WillReturnError(errFakeBusy)
	mock.ExpectBegin()
	mock.ExpectQuery(selectDaily).WithArgs("fp").
		WillReturnRows(sqlmock.NewRows([]string{"daily_queries", "last_reset_date"}).AddRow(4, "2026-03-10"))
	mock.ExpectCommit()

	daily, err := l.CheckAndMaybeReset(context.Background(), "fp")
	require.NoError(t, err)
	assert.Equal(t, int64(4), daily)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedger_RetriesExhausted(t *testing.T) {
	l, mock := newMockLedger(t, WithMaxRetries(2))
	for i := 0; i < 3; i++ {
		mock.ExpectBegin().WillReturnError(errFakeBusy)
	}

	_, err := l.CheckAndMaybeReset(context.Background(), "fp")
	assert.ErrorIs(t, err, apierrors.ErrLedger)
	assert.ErrorIs(t, err, errFakeBusy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedger_RolloverWritesNewDate(t *testing.T) {
	l, mock := newMockLedger(t)
	mock.ExpectBegin()
	mock.ExpectQuery(selectDaily).WithArgs("fp").
		WillReturnRows(sqlmock.NewRows([]string{"daily_queries", "last_reset_date"}).AddRow(9, "2026-03-09"))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE license_usage SET daily_queries = 0, last_reset_date = ?`)).
		WithArgs("2026-03-10", "fp").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	daily, err := l.CheckAndMaybeReset(context.Background(), "fp")
	require.NoError(t, err)
	assert.Zero(t, daily)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestErrorFormatting(t *testing.T) {
	cause := errors.New("boom")
	err := wrap("reserve", cause)
	assert.EqualError(t, err, "ledger reserve: boom")
	assert.ErrorIs(t, err, cause)

	// already wrapped errors are not nested again
	assert.Same(t, err, wrap("outer", err))
	assert.Nil(t, wrap("noop", nil))
	assert.False(t, isBusy(cause))
}
