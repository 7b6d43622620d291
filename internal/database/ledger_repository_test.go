package database

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/smarttransit/rideshare-booking/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	stepColumns    = []string{"booking_id", "step", "status", "amount", "attempts", "last_error", "created_at", "updated_at"}
	accountColumns = []string{"user_id", "currency", "pending", "non_pending", "updated_at"}
)

func expectStepPrelude(mock sqlmock.Sqlmock, bookingID uuid.UUID, steps *sqlmock.Rows) {
	expectStepPreludeWithStatus(mock, bookingID, models.BookingStatusPending, steps)
}

func expectStepPreludeWithStatus(mock sqlmock.Sqlmock, bookingID uuid.UUID, status models.BookingStatus, steps *sqlmock.Rows) {
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status FROM bookings WHERE id = \$1 FOR UPDATE`).
		WithArgs(bookingID).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(string(status)))
	mock.ExpectQuery(`FROM saga_steps WHERE booking_id = \$1`).
		WithArgs(bookingID).
		WillReturnRows(steps)
}

func expectAccountLock(mock sqlmock.Sqlmock, userID uuid.UUID, pending, nonPending string) {
	mock.ExpectExec(`INSERT INTO ledger_accounts`).
		WithArgs(userID, DefaultCurrency).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`FROM ledger_accounts WHERE user_id IN \(\?\) ORDER BY user_id FOR UPDATE`).
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows(accountColumns).AddRow(userID.String(), "LKR", pending, nonPending, time.Now()))
}

func TestLedgerApplyStep(t *testing.T) {
	bookingID := uuid.New()
	driverID := uuid.New()

	holdPlan := func(state *LedgerState) (*StepPlan, error) {
		return &StepPlan{
			Amount:   decimalOf("90"),
			Currency: "LKR",
			Mutations: []models.LedgerMutation{
				{UserID: driverID, Balance: models.BalancePending, Value: decimalOf("90"), EntryType: models.EntryHold},
			},
		}, nil
	}

	t.Run("Success", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewLedgerRepository(db)

		expectStepPrelude(mock, bookingID, sqlmock.NewRows(stepColumns))
		expectAccountLock(mock, driverID, "10", "0")
		mock.ExpectExec(`INSERT INTO ledger_entries`).
			WithArgs(sqlmock.AnyArg(), driverID, sqlmock.AnyArg(), sqlmock.AnyArg(), "LKR", "pending", "hold", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`UPDATE ledger_accounts SET pending = \$2, non_pending = \$3`).
			WithArgs(driverID, "100", "0", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`INSERT INTO saga_steps (.+) VALUES \(\$1, \$2, 'succeeded'`).
			WithArgs(bookingID, "hold", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		plan, err := repo.ApplyStep(context.Background(), bookingID, models.StepHold, []uuid.UUID{driverID}, holdPlan)
		require.NoError(t, err)
		assert.True(t, plan.Amount.Equal(decimalOf("90")))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Already Applied", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewLedgerRepository(db)

		now := time.Now()
		steps := sqlmock.NewRows(stepColumns).
			AddRow(bookingID.String(), "hold", "succeeded", "90", 1, nil, now, now)
		expectStepPrelude(mock, bookingID, steps)
		mock.ExpectRollback()

		called := false
		_, err := repo.ApplyStep(context.Background(), bookingID, models.StepHold, []uuid.UUID{driverID},
			func(state *LedgerState) (*StepPlan, error) {
				called = true
				return holdPlan(state)
			})
		assert.ErrorIs(t, err, ErrStepAlreadyApplied)
		assert.False(t, called)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Insufficient Funds Rolls Back", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewLedgerRepository(db)
		passengerID := uuid.New()

		expectStepPrelude(mock, bookingID, sqlmock.NewRows(stepColumns))
		expectAccountLock(mock, passengerID, "0", "50")
		mock.ExpectRollback()

		debit := func(state *LedgerState) (*StepPlan, error) {
			return &StepPlan{
				Amount:   decimalOf("100"),
				Currency: "LKR",
				Mutations: []models.LedgerMutation{
					{UserID: passengerID, Balance: models.BalanceNonPending, Value: decimalOf("-100"), EntryType: models.EntrySettlementDebit},
				},
			}, nil
		}

		_, err := repo.ApplyStep(context.Background(), bookingID, models.StepCapture, []uuid.UUID{passengerID}, debit)
		assert.ErrorIs(t, err, ErrInsufficientFunds)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Planner Sees Locked Status", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewLedgerRepository(db)

		expectStepPreludeWithStatus(mock, bookingID, models.BookingStatusCancelled, sqlmock.NewRows(stepColumns))
		expectAccountLock(mock, driverID, "90", "0")
		mock.ExpectRollback()

		var seen models.BookingStatus
		_, err := repo.ApplyStep(context.Background(), bookingID, models.StepCapture, []uuid.UUID{driverID},
			func(state *LedgerState) (*StepPlan, error) {
				seen = state.BookingStatus
				return nil, ErrStatusConflict
			})
		assert.ErrorIs(t, err, ErrStatusConflict)
		assert.Equal(t, models.BookingStatusCancelled, seen)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerRecordStepFailure(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewLedgerRepository(db)
	bookingID := uuid.New()

	mock.ExpectExec(`INSERT INTO saga_steps (.+) WHERE saga_steps.status <> 'succeeded'`).
		WithArgs(bookingID, "capture", "ledger unavailable").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.RecordStepFailure(context.Background(), bookingID, models.StepCapture, "ledger unavailable"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
