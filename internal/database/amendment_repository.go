package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/smarttransit/rideshare-booking/internal/models"
)

const amendmentColumns = `
	id, booking_id, proposer_id, new_price, new_start_time, new_route,
	new_recurrence, is_cancellation, driver_approval, passenger_approval,
	applied_at, rejected_at, rejected_by, created_at, updated_at`

// amendmentRow mirrors the amendments table; nullable change columns are
// folded into models.AmendmentChange
type amendmentRow struct {
	ID                uuid.UUID        `db:"id"`
	BookingID         uuid.UUID        `db:"booking_id"`
	ProposerID        uuid.UUID        `db:"proposer_id"`
	NewPrice          *decimal.Decimal `db:"new_price"`
	NewStartTime      *time.Time       `db:"new_start_time"`
	NewRoute          *models.Route    `db:"new_route"`
	NewRecurrence     *string          `db:"new_recurrence"`
	IsCancellation    bool             `db:"is_cancellation"`
	DriverApproval    bool             `db:"driver_approval"`
	PassengerApproval bool             `db:"passenger_approval"`
	AppliedAt         *time.Time       `db:"applied_at"`
	RejectedAt        *time.Time       `db:"rejected_at"`
	RejectedBy        *uuid.UUID       `db:"rejected_by"`
	CreatedAt         time.Time        `db:"created_at"`
	UpdatedAt         time.Time        `db:"updated_at"`
}

func (row *amendmentRow) toModel() *models.Amendment {
	return &models.Amendment{
		ID:         row.ID,
		BookingID:  row.BookingID,
		ProposerID: row.ProposerID,
		Change: models.AmendmentChange{
			Price:      row.NewPrice,
			StartTime:  row.NewStartTime,
			Route:      row.NewRoute,
			Recurrence: row.NewRecurrence,
		},
		IsCancellation:    row.IsCancellation,
		DriverApproval:    row.DriverApproval,
		PassengerApproval: row.PassengerApproval,
		AppliedAt:         row.AppliedAt,
		RejectedAt:        row.RejectedAt,
		RejectedBy:        row.RejectedBy,
		CreatedAt:         row.CreatedAt,
		UpdatedAt:         row.UpdatedAt,
	}
}

// ApprovalDecision is what the consensus rules decide once the caller's bit
// has been recorded on the locked amendment
type ApprovalDecision struct {
	Apply  bool
	Target models.BookingStatus
}

// ApprovalState is the locked view an approval decides against
type ApprovalState struct {
	Booking   *models.Booking
	Amendment *models.Amendment // caller's bit already set
	Captured  bool              // capture step succeeded; only read for cancellations
}

// ApprovalDecider runs inside the approval transaction. Returning an error
// rolls the whole approval back.
type ApprovalDecider func(state *ApprovalState, approve bool) (ApprovalDecision, error)

// ApprovalResult reports what the approval transaction did
type ApprovalResult struct {
	Amendment  *models.Amendment
	Booking    *models.Booking
	FromStatus models.BookingStatus
	Applied    bool // applied by this call
	Rejected   bool // rejected by this call
	Closed     bool // was already applied or rejected before this call
}

// AmendmentRepository handles database operations for amendments table
type AmendmentRepository struct {
	db DB
}

// NewAmendmentRepository creates a new AmendmentRepository
func NewAmendmentRepository(db DB) *AmendmentRepository {
	return &AmendmentRepository{db: db}
}

// Create inserts an amendment with both approval bits false. The booking row
// is locked and its status re-checked against allowed in the same transaction.
func (r *AmendmentRepository) Create(ctx context.Context, amendment *models.Amendment, allowed []models.BookingStatus) error {
	if amendment.ID == uuid.Nil {
		amendment.ID = uuid.New()
	}
	now := time.Now()
	amendment.DriverApproval = false
	amendment.PassengerApproval = false
	amendment.CreatedAt = now
	amendment.UpdatedAt = now

	return WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var status models.BookingStatus
		err := tx.GetContext(ctx, &status, `SELECT status FROM bookings WHERE id = $1 FOR UPDATE`, amendment.BookingID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to lock booking: %w", err)
		}
		if !status.In(allowed...) {
			return ErrStatusConflict
		}

		change := amendment.Change
		_, err = tx.ExecContext(ctx, `
			INSERT INTO amendments (
				id, booking_id, proposer_id, new_price, new_start_time, new_route,
				new_recurrence, is_cancellation, driver_approval, passenger_approval,
				created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE, FALSE, $9, $10)`,
			amendment.ID, amendment.BookingID, amendment.ProposerID,
			change.Price, change.StartTime, change.Route, change.Recurrence,
			amendment.IsCancellation, amendment.CreatedAt, amendment.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create amendment: %w", err)
		}
		return nil
	})
}

// GetByID retrieves an amendment by its ID
func (r *AmendmentRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Amendment, error) {
	var row amendmentRow
	err := r.db.GetContext(ctx, &row, `SELECT `+amendmentColumns+` FROM amendments WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get amendment: %w", err)
	}
	return row.toModel(), nil
}

// ListByBooking returns every amendment on a booking, oldest first
func (r *AmendmentRepository) ListByBooking(ctx context.Context, bookingID uuid.UUID) ([]models.Amendment, error) {
	rows := []amendmentRow{}
	query := `SELECT ` + amendmentColumns + ` FROM amendments WHERE booking_id = $1 ORDER BY created_at ASC, id ASC`
	if err := r.db.SelectContext(ctx, &rows, query, bookingID); err != nil {
		return nil, fmt.Errorf("failed to list amendments: %w", err)
	}

	amendments := make([]models.Amendment, 0, len(rows))
	for i := range rows {
		amendments = append(amendments, *rows[i].toModel())
	}
	return amendments, nil
}

// RecordApproval sets or clears the caller's approval bit and, in the same
// transaction, lets decide choose whether the amendment is now applied. The
// booking row and then the amendment row are locked, so two concurrent
// approvals serialize and the amendment is applied exactly once.
func (r *AmendmentRepository) RecordApproval(
	ctx context.Context,
	amendmentID uuid.UUID,
	actorID uuid.UUID,
	role models.PartyRole,
	approve bool,
	decide ApprovalDecider,
) (*ApprovalResult, error) {
	var result *ApprovalResult

	err := WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		result = nil

		var bookingID uuid.UUID
		err := tx.GetContext(ctx, &bookingID, `SELECT booking_id FROM amendments WHERE id = $1`, amendmentID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to get amendment: %w", err)
		}

		var booking models.Booking
		err = tx.GetContext(ctx, &booking, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1 FOR UPDATE`, bookingID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to lock booking: %w", err)
		}

		var row amendmentRow
		err = tx.GetContext(ctx, &row, `SELECT `+amendmentColumns+` FROM amendments WHERE id = $1 FOR UPDATE`, amendmentID)
		if err != nil {
			return fmt.Errorf("failed to lock amendment: %w", err)
		}
		amendment := row.toModel()

		res := &ApprovalResult{Amendment: amendment, Booking: &booking, FromStatus: booking.Status}
		if !amendment.IsOutstanding() {
			res.Closed = true
			result = res
			return nil
		}

		amendment.SetApproval(role, approve)
		state := &ApprovalState{Booking: &booking, Amendment: amendment}
		if approve && amendment.IsCancellation {
			err = tx.GetContext(ctx, &state.Captured, `
				SELECT EXISTS (
					SELECT 1 FROM saga_steps
					WHERE booking_id = $1 AND step = 'capture' AND status = 'succeeded')`, booking.ID)
			if err != nil {
				return fmt.Errorf("failed to read capture step: %w", err)
			}
		}

		decision, err := decide(state, approve)
		if err != nil {
			return err
		}

		now := time.Now()
		amendment.UpdatedAt = now
		switch {
		case !approve:
			amendment.RejectedAt = &now
			amendment.RejectedBy = &actorID
			res.Rejected = true
		case decision.Apply:
			amendment.AppliedAt = &now
			res.Applied = true
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE amendments
			SET driver_approval = $2,
			    passenger_approval = $3,
			    applied_at = $4,
			    rejected_at = $5,
			    rejected_by = $6,
			    updated_at = $7
			WHERE id = $1`,
			amendment.ID, amendment.DriverApproval, amendment.PassengerApproval,
			amendment.AppliedAt, amendment.RejectedAt, amendment.RejectedBy, now,
		)
		if err != nil {
			return fmt.Errorf("failed to record approval: %w", err)
		}

		if res.Applied {
			_, err = tx.ExecContext(ctx, `
				UPDATE bookings
				SET status = $2,
				    cancelled_at = CASE WHEN $2::text = 'cancelled' THEN $3 ELSE cancelled_at END,
				    updated_at = $3
				WHERE id = $1`,
				booking.ID, decision.Target, now,
			)
			if err != nil {
				return fmt.Errorf("failed to apply amendment to booking: %w", err)
			}
			booking.Status = decision.Target
			booking.UpdatedAt = now
			if decision.Target == models.BookingStatusCancelled {
				booking.CancelledAt = &now
			}
		}

		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
