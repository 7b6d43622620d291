package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LedgerBalance names one of the two running balances on an account
type LedgerBalance string

const (
	BalancePending    LedgerBalance = "pending"     // provisionally held against in-flight bookings
	BalanceNonPending LedgerBalance = "non_pending" // settled, spendable/payable value
)

// LedgerEntryType tags what kind of mutation an entry records
type LedgerEntryType string

const (
	EntryHold             LedgerEntryType = "hold"
	EntryHoldRelease      LedgerEntryType = "hold_release"
	EntrySettlementDebit  LedgerEntryType = "settlement_debit"
	EntrySettlementCredit LedgerEntryType = "settlement_credit"
	EntryRefund           LedgerEntryType = "refund"
	EntryCancellationFee  LedgerEntryType = "cancellation_fee"
	EntryDeposit          LedgerEntryType = "deposit"
)

// LedgerEntryStatus is the settlement status of an entry
type LedgerEntryStatus string

const (
	EntryStatusSettled LedgerEntryStatus = "settled"
)

// LedgerAccount is the materialized balance cache for one user
type LedgerAccount struct {
	UserID     uuid.UUID       `json:"user_id" db:"user_id"`
	Currency   string          `json:"currency" db:"currency"`
	Pending    decimal.Decimal `json:"pending" db:"pending"`
	NonPending decimal.Decimal `json:"non_pending" db:"non_pending"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
}

// Balance returns the named running balance
func (a *LedgerAccount) Balance(b LedgerBalance) decimal.Decimal {
	if b == BalancePending {
		return a.Pending
	}
	return a.NonPending
}

// Apply adds value to the named running balance
func (a *LedgerAccount) Apply(b LedgerBalance, value decimal.Decimal) {
	if b == BalancePending {
		a.Pending = a.Pending.Add(value)
		return
	}
	a.NonPending = a.NonPending.Add(value)
}

// LedgerEntry is an append-only record of one balance mutation
type LedgerEntry struct {
	ID        uuid.UUID         `json:"id" db:"id"`
	UserID    uuid.UUID         `json:"user_id" db:"user_id"`
	BookingID *uuid.UUID        `json:"booking_id,omitempty" db:"booking_id"`
	Value     decimal.Decimal   `json:"value" db:"value"`
	Currency  string            `json:"currency" db:"currency"`
	Balance   LedgerBalance     `json:"balance" db:"balance"`
	EntryType LedgerEntryType   `json:"entry_type" db:"entry_type"`
	Status    LedgerEntryStatus `json:"status" db:"status"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
	SettledAt *time.Time        `json:"settled_at,omitempty" db:"settled_at"`
}

// LedgerMutation is one signed change to one balance, planned by a saga step
type LedgerMutation struct {
	UserID    uuid.UUID
	Balance   LedgerBalance
	Value     decimal.Decimal
	EntryType LedgerEntryType
}

// LedgerTotals is the sum of a user's settled entries per balance
type LedgerTotals struct {
	Pending    decimal.Decimal `json:"pending" db:"pending"`
	NonPending decimal.Decimal `json:"non_pending" db:"non_pending"`
}

// ReconciliationReport compares entry sums against the account row
type ReconciliationReport struct {
	UserID    uuid.UUID       `json:"user_id"`
	Account   LedgerTotals    `json:"account"`
	Entries   LedgerTotals    `json:"entries"`
	InBalance bool            `json:"in_balance"`
	Drift     decimal.Decimal `json:"drift"`
}
