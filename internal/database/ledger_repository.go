package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/smarttransit/rideshare-booking/internal/models"
)

// DefaultCurrency is used for accounts created before any priced activity
const DefaultCurrency = "LKR"

// LedgerState is the locked view a saga step plans against
type LedgerState struct {
	BookingStatus models.BookingStatus // read under the booking row lock
	Accounts      map[uuid.UUID]*models.LedgerAccount
	Steps         map[models.SagaStepName]*models.SagaStep
}

// Account returns the locked account for a user
func (s *LedgerState) Account(userID uuid.UUID) *models.LedgerAccount {
	return s.Accounts[userID]
}

// StepPlan is the set of mutations one saga step commits atomically
type StepPlan struct {
	Amount    decimal.Decimal // recorded on the saga step row
	Currency  string
	Mutations []models.LedgerMutation
}

// StepPlanner computes a step's mutations from the locked ledger state
type StepPlanner func(state *LedgerState) (*StepPlan, error)

// LedgerRepository handles ledger_accounts, ledger_entries and saga_steps
type LedgerRepository struct {
	db DB
}

// NewLedgerRepository creates a new LedgerRepository
func NewLedgerRepository(db DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// ============================================================================
// ACCOUNTS
// ============================================================================

// GetAccount returns a user's balances; a user with no row has zero balances
func (r *LedgerRepository) GetAccount(ctx context.Context, userID uuid.UUID) (*models.LedgerAccount, error) {
	var account models.LedgerAccount
	err := r.db.GetContext(ctx, &account, `
		SELECT user_id, currency, pending, non_pending, updated_at
		FROM ledger_accounts WHERE user_id = $1`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &models.LedgerAccount{UserID: userID, Currency: DefaultCurrency}, nil
		}
		return nil, fmt.Errorf("failed to get ledger account: %w", err)
	}
	return &account, nil
}

// Deposit credits a user's NonPending balance with a settled deposit entry
func (r *LedgerRepository) Deposit(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, currency string) (*models.LedgerAccount, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("deposit amount must be positive")
	}

	var account *models.LedgerAccount
	err := WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		accounts, err := lockAccounts(ctx, tx, []uuid.UUID{userID}, currency)
		if err != nil {
			return err
		}
		mutation := models.LedgerMutation{
			UserID:    userID,
			Balance:   models.BalanceNonPending,
			Value:     amount,
			EntryType: models.EntryDeposit,
		}
		if err := applyMutations(ctx, tx, accounts, nil, currency, []models.LedgerMutation{mutation}); err != nil {
			return err
		}
		account = accounts[userID]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

// ListUserIDs returns every user with a ledger account
func (r *LedgerRepository) ListUserIDs(ctx context.Context) ([]uuid.UUID, error) {
	ids := []uuid.UUID{}
	if err := r.db.SelectContext(ctx, &ids, `SELECT user_id FROM ledger_accounts ORDER BY user_id`); err != nil {
		return nil, fmt.Errorf("failed to list ledger accounts: %w", err)
	}
	return ids, nil
}

// ============================================================================
// ENTRIES
// ============================================================================

// SumSettledEntries totals a user's settled entries per balance bucket
func (r *LedgerRepository) SumSettledEntries(ctx context.Context, userID uuid.UUID) (*models.LedgerTotals, error) {
	var totals models.LedgerTotals
	err := r.db.GetContext(ctx, &totals, `
		SELECT
			COALESCE(SUM(value) FILTER (WHERE balance = 'pending'), 0) AS pending,
			COALESCE(SUM(value) FILTER (WHERE balance = 'non_pending'), 0) AS non_pending
		FROM ledger_entries
		WHERE user_id = $1 AND status = 'settled'`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to sum ledger entries: %w", err)
	}
	return &totals, nil
}

// ListEntries returns a user's most recent entries
func (r *LedgerRepository) ListEntries(ctx context.Context, userID uuid.UUID, limit int) ([]models.LedgerEntry, error) {
	entries := []models.LedgerEntry{}
	err := r.db.SelectContext(ctx, &entries, `
		SELECT id, user_id, booking_id, value, currency, balance, entry_type,
		       status, created_at, settled_at
		FROM ledger_entries
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	return entries, nil
}

// ============================================================================
// SAGA STEPS
// ============================================================================

// ApplyStep runs one saga step as a single transaction. The booking row is
// locked, which serializes steps against each other and against amendment
// approvals, and its status is handed to plan. A prior success of the same
// (booking, step) ends the call with ErrStepAlreadyApplied. The participants'
// accounts are locked, plan computes the mutations, and entries plus the
// succeeded step row are written together. Nothing is visible unless
// everything commits.
func (r *LedgerRepository) ApplyStep(
	ctx context.Context,
	bookingID uuid.UUID,
	step models.SagaStepName,
	userIDs []uuid.UUID,
	plan StepPlanner,
) (*StepPlan, error) {
	var applied *StepPlan

	err := WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		applied = nil

		var status models.BookingStatus
		err := tx.GetContext(ctx, &status, `SELECT status FROM bookings WHERE id = $1 FOR UPDATE`, bookingID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to lock booking: %w", err)
		}

		steps, err := stepsForBooking(ctx, tx, bookingID)
		if err != nil {
			return err
		}
		if existing, ok := steps[step]; ok && existing.Status == models.StepSucceeded {
			return ErrStepAlreadyApplied
		}

		accounts, err := lockAccounts(ctx, tx, userIDs, DefaultCurrency)
		if err != nil {
			return err
		}

		result, err := plan(&LedgerState{BookingStatus: status, Accounts: accounts, Steps: steps})
		if err != nil {
			return err
		}

		if err := applyMutations(ctx, tx, accounts, &bookingID, result.Currency, result.Mutations); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO saga_steps (booking_id, step, status, amount, attempts, last_error, created_at, updated_at)
			VALUES ($1, $2, 'succeeded', $3, 1, NULL, NOW(), NOW())
			ON CONFLICT (booking_id, step) DO UPDATE
			SET status = 'succeeded',
			    amount = EXCLUDED.amount,
			    attempts = saga_steps.attempts + 1,
			    last_error = NULL,
			    updated_at = NOW()`,
			bookingID, step, result.Amount,
		)
		if err != nil {
			return fmt.Errorf("failed to record saga step: %w", err)
		}

		applied = result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return applied, nil
}

// RecordStepFailure notes a failed attempt. A succeeded step is never
// downgraded.
func (r *LedgerRepository) RecordStepFailure(ctx context.Context, bookingID uuid.UUID, step models.SagaStepName, cause string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO saga_steps (booking_id, step, status, amount, attempts, last_error, created_at, updated_at)
		VALUES ($1, $2, 'failed', 0, 1, $3, NOW(), NOW())
		ON CONFLICT (booking_id, step) DO UPDATE
		SET attempts = saga_steps.attempts + 1,
		    last_error = EXCLUDED.last_error,
		    updated_at = NOW()
		WHERE saga_steps.status <> 'succeeded'`,
		bookingID, step, cause,
	)
	if err != nil {
		return fmt.Errorf("failed to record saga step failure: %w", err)
	}
	return nil
}

// ListSteps returns the saga step records of a booking
func (r *LedgerRepository) ListSteps(ctx context.Context, bookingID uuid.UUID) ([]models.SagaStep, error) {
	steps := []models.SagaStep{}
	err := r.db.SelectContext(ctx, &steps, `
		SELECT booking_id, step, status, amount, attempts, last_error, created_at, updated_at
		FROM saga_steps WHERE booking_id = $1 ORDER BY created_at`, bookingID)
	if err != nil {
		return nil, fmt.Errorf("failed to list saga steps: %w", err)
	}
	return steps, nil
}

func stepsForBooking(ctx context.Context, tx *sqlx.Tx, bookingID uuid.UUID) (map[models.SagaStepName]*models.SagaStep, error) {
	rows := []models.SagaStep{}
	err := tx.SelectContext(ctx, &rows, `
		SELECT booking_id, step, status, amount, attempts, last_error, created_at, updated_at
		FROM saga_steps WHERE booking_id = $1`, bookingID)
	if err != nil {
		return nil, fmt.Errorf("failed to read saga steps: %w", err)
	}
	steps := make(map[models.SagaStepName]*models.SagaStep, len(rows))
	for i := range rows {
		steps[rows[i].Step] = &rows[i]
	}
	return steps, nil
}

// lockAccounts creates missing account rows and locks all of them in user id
// order so concurrent steps over the same users cannot deadlock
func lockAccounts(ctx context.Context, tx *sqlx.Tx, userIDs []uuid.UUID, currency string) (map[uuid.UUID]*models.LedgerAccount, error) {
	ids := append([]uuid.UUID(nil), userIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	for _, id := range ids {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_accounts (user_id, currency, pending, non_pending, updated_at)
			VALUES ($1, $2, 0, 0, NOW())
			ON CONFLICT (user_id) DO NOTHING`, id, currency)
		if err != nil {
			return nil, fmt.Errorf("failed to create ledger account: %w", err)
		}
	}

	query, args, err := sqlx.In(`
		SELECT user_id, currency, pending, non_pending, updated_at
		FROM ledger_accounts
		WHERE user_id IN (?)
		ORDER BY user_id
		FOR UPDATE`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to build account lock query: %w", err)
	}

	rows := []models.LedgerAccount{}
	if err := tx.SelectContext(ctx, &rows, tx.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to lock ledger accounts: %w", err)
	}

	accounts := make(map[uuid.UUID]*models.LedgerAccount, len(rows))
	for i := range rows {
		accounts[rows[i].UserID] = &rows[i]
	}
	return accounts, nil
}

// applyMutations updates the locked accounts and appends one settled entry
// per mutation. No balance may end negative.
func applyMutations(
	ctx context.Context,
	tx *sqlx.Tx,
	accounts map[uuid.UUID]*models.LedgerAccount,
	bookingID *uuid.UUID,
	currency string,
	mutations []models.LedgerMutation,
) error {
	now := time.Now()
	touched := map[uuid.UUID]bool{}

	for _, m := range mutations {
		if m.Value.IsZero() {
			continue
		}
		account, ok := accounts[m.UserID]
		if !ok {
			return fmt.Errorf("ledger account %s not locked for this step", m.UserID)
		}
		account.Apply(m.Balance, m.Value)
		if account.Balance(m.Balance).IsNegative() {
			return ErrInsufficientFunds
		}
		touched[m.UserID] = true

		_, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (
				id, user_id, booking_id, value, currency, balance, entry_type,
				status, created_at, settled_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, 'settled', $8, $8)`,
			uuid.New(), m.UserID, bookingID, m.Value, currency, m.Balance, m.EntryType, now,
		)
		if err != nil {
			return fmt.Errorf("failed to append ledger entry: %w", err)
		}
	}

	for userID := range touched {
		account := accounts[userID]
		account.UpdatedAt = now
		_, err := tx.ExecContext(ctx, `
			UPDATE ledger_accounts
			SET pending = $2, non_pending = $3, updated_at = $4
			WHERE user_id = $1`,
			userID, account.Pending, account.NonPending, now,
		)
		if err != nil {
			return fmt.Errorf("failed to update ledger account: %w", err)
		}
	}
	return nil
}
