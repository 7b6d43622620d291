package services

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/smarttransit/rideshare-booking/internal/database"
	"github.com/smarttransit/rideshare-booking/internal/models"
)

// Store contracts consumed by the booking services. The database package
// provides the Postgres implementations.

// BookingStore persists bookings and guards status transitions
type BookingStore interface {
	Create(ctx context.Context, booking *models.Booking) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Booking, error)
	TransitionStatus(ctx context.Context, id uuid.UUID, from []models.BookingStatus, to models.BookingStatus) error
	ConfirmByDriver(ctx context.Context, id uuid.UUID) error
	ListAwaitingRefund(ctx context.Context, limit int) ([]models.Booking, error)
	ListCapturedNotCompleted(ctx context.Context, limit int) ([]models.Booking, error)
}

// AmendmentStore persists amendments and runs the atomic approval
type AmendmentStore interface {
	Create(ctx context.Context, amendment *models.Amendment, allowed []models.BookingStatus) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Amendment, error)
	ListByBooking(ctx context.Context, bookingID uuid.UUID) ([]models.Amendment, error)
	RecordApproval(ctx context.Context, amendmentID, actorID uuid.UUID, role models.PartyRole, approve bool, decide database.ApprovalDecider) (*database.ApprovalResult, error)
}

// JourneyStore reads journeys
type JourneyStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Journey, error)
}

// LedgerStore owns accounts, entries and the per-step idempotency records
type LedgerStore interface {
	GetAccount(ctx context.Context, userID uuid.UUID) (*models.LedgerAccount, error)
	Deposit(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, currency string) (*models.LedgerAccount, error)
	ApplyStep(ctx context.Context, bookingID uuid.UUID, step models.SagaStepName, userIDs []uuid.UUID, plan database.StepPlanner) (*database.StepPlan, error)
	RecordStepFailure(ctx context.Context, bookingID uuid.UUID, step models.SagaStepName, cause string) error
	ListSteps(ctx context.Context, bookingID uuid.UUID) ([]models.SagaStep, error)
	SumSettledEntries(ctx context.Context, userID uuid.UUID) (*models.LedgerTotals, error)
	ListEntries(ctx context.Context, userID uuid.UUID, limit int) ([]models.LedgerEntry, error)
	ListUserIDs(ctx context.Context) ([]uuid.UUID, error)
}

// UserDirectory resolves identities
type UserDirectory interface {
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// VehicleLookup describes vehicles for notifications
type VehicleLookup interface {
	GetVehicleDescription(ctx context.Context, plate string) (string, error)
}

// SettingsStore reads platform settings
type SettingsStore interface {
	GetDecimal(ctx context.Context, key string, def decimal.Decimal) (decimal.Decimal, error)
}

// AuditStore appends booking audit events
type AuditStore interface {
	Log(ctx context.Context, event *models.BookingAuditEvent) error
	ListByBooking(ctx context.Context, bookingID uuid.UUID) ([]models.BookingAuditEvent, error)
}
