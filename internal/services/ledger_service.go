package services

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/rideshare-booking/internal/database"
	"github.com/smarttransit/rideshare-booking/internal/models"
)

const defaultEntryLimit = 50

// LedgerService exposes account balances, top-ups and reconciliation
type LedgerService struct {
	ledger LedgerStore
	logger *logrus.Logger
}

// NewLedgerService creates a new ledger service
func NewLedgerService(ledger LedgerStore, logger *logrus.Logger) *LedgerService {
	return &LedgerService{
		ledger: ledger,
		logger: logger,
	}
}

// GetAccount returns a user's balances. Users without an account read as zero.
func (s *LedgerService) GetAccount(ctx context.Context, userID uuid.UUID) (*models.LedgerAccount, error) {
	account, err := s.ledger.GetAccount(ctx, userID)
	if err != nil {
		return nil, fromStore("ledger.account", err)
	}
	return account, nil
}

// TopUp credits a user's spendable balance
func (s *LedgerService) TopUp(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, currency string) (*models.LedgerAccount, error) {
	const op = "ledger.topup"

	if !amount.IsPositive() {
		return nil, newError(KindValidation, op, "amount must be positive")
	}
	if amount.Exponent() < -2 {
		return nil, newError(KindValidation, op, "amount has more than two decimal places")
	}
	if currency == "" {
		currency = database.DefaultCurrency
	}

	account, err := s.ledger.Deposit(ctx, userID, amount, currency)
	if err != nil {
		return nil, fromStore(op, err)
	}

	s.logger.WithFields(logrus.Fields{
		"user_id": userID,
		"amount":  amount,
	}).Info("Ledger top-up applied")
	return account, nil
}

// ListEntries returns a user's most recent entries
func (s *LedgerService) ListEntries(ctx context.Context, userID uuid.UUID, limit int) ([]models.LedgerEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = defaultEntryLimit
	}
	entries, err := s.ledger.ListEntries(ctx, userID, limit)
	if err != nil {
		return nil, fromStore("ledger.entries", err)
	}
	return entries, nil
}

// Reconcile compares a user's cached balances with the sum of their settled
// entries
func (s *LedgerService) Reconcile(ctx context.Context, userID uuid.UUID) (*models.ReconciliationReport, error) {
	const op = "ledger.reconcile"

	account, err := s.ledger.GetAccount(ctx, userID)
	if err != nil {
		return nil, fromStore(op, err)
	}
	totals, err := s.ledger.SumSettledEntries(ctx, userID)
	if err != nil {
		return nil, fromStore(op, err)
	}

	pendingDrift := account.Pending.Sub(totals.Pending)
	nonPendingDrift := account.NonPending.Sub(totals.NonPending)

	report := &models.ReconciliationReport{
		UserID:    userID,
		Account:   models.LedgerTotals{Pending: account.Pending, NonPending: account.NonPending},
		Entries:   *totals,
		InBalance: pendingDrift.IsZero() && nonPendingDrift.IsZero(),
		Drift:     pendingDrift.Abs().Add(nonPendingDrift.Abs()),
	}
	if !report.InBalance {
		s.logger.WithFields(logrus.Fields{
			"user_id":           userID,
			"pending_drift":     pendingDrift,
			"non_pending_drift": nonPendingDrift,
		}).Error("Ledger account out of balance")
	}
	return report, nil
}

// ReconcileAll reconciles every account and returns the ones out of balance
func (s *LedgerService) ReconcileAll(ctx context.Context) ([]models.ReconciliationReport, error) {
	userIDs, err := s.ledger.ListUserIDs(ctx)
	if err != nil {
		return nil, fromStore("ledger.reconcile_all", err)
	}

	drifted := []models.ReconciliationReport{}
	for _, userID := range userIDs {
		if err := ctx.Err(); err != nil {
			return drifted, err
		}
		report, err := s.Reconcile(ctx, userID)
		if err != nil {
			return drifted, err
		}
		if !report.InBalance {
			drifted = append(drifted, *report)
		}
	}
	return drifted, nil
}
