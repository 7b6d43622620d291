package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/smarttransit/rideshare-booking/internal/models"
)

// ErrOutstandingAmendments is returned when a booking cannot be confirmed
// because an amendment is still waiting on approval
var ErrOutstandingAmendments = errors.New("booking has outstanding amendments")

const bookingColumns = `
	id, passenger_id, journey_id, status, fee_margin, ride_time,
	booked_window_end, driver_approved, cancelled_at, created_at, updated_at`

// BookingRepository handles database operations for bookings table
type BookingRepository struct {
	db DB
}

// NewBookingRepository creates a new BookingRepository
func NewBookingRepository(db DB) *BookingRepository {
	return &BookingRepository{db: db}
}

// Create inserts a booking in PrePending. fee_margin is written here and
// never appears in any later UPDATE.
func (r *BookingRepository) Create(ctx context.Context, booking *models.Booking) error {
	if booking.ID == uuid.Nil {
		booking.ID = uuid.New()
	}
	now := time.Now()
	booking.Status = models.BookingStatusPrePending
	booking.CreatedAt = now
	booking.UpdatedAt = now

	query := `
		INSERT INTO bookings (
			id, passenger_id, journey_id, status, fee_margin, ride_time,
			booked_window_end, driver_approved, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8, $9)`

	_, err := r.db.ExecContext(ctx, query,
		booking.ID, booking.PassengerID, booking.JourneyID, booking.Status,
		booking.FeeMargin, booking.RideTime, booking.BookedWindowEnd,
		booking.CreatedAt, booking.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create booking: %w", err)
	}
	return nil
}

// GetByID retrieves a booking by its ID
func (r *BookingRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Booking, error) {
	var booking models.Booking
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE id = $1`

	err := r.db.GetContext(ctx, &booking, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}
	return &booking, nil
}

// TransitionStatus moves a booking to `to` only if its current status is one
// of `from`. Returns ErrStatusConflict when the guard does not match.
func (r *BookingRepository) TransitionStatus(ctx context.Context, id uuid.UUID, from []models.BookingStatus, to models.BookingStatus) error {
	query := `
		UPDATE bookings
		SET status = $2,
		    cancelled_at = CASE WHEN $2::text = 'cancelled' THEN COALESCE(cancelled_at, NOW()) ELSE cancelled_at END,
		    updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)`

	result, err := r.db.ExecContext(ctx, query, id, to, pq.Array(statusStrings(from)))
	if err != nil {
		return fmt.Errorf("failed to update booking status: %w", err)
	}
	return expectOneRow(result, ErrStatusConflict)
}

// ConfirmByDriver moves a Pending booking to Confirmed. The booking row is
// locked so no amendment can be proposed between the check and the update.
func (r *BookingRepository) ConfirmByDriver(ctx context.Context, id uuid.UUID) error {
	return WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var status models.BookingStatus
		err := tx.GetContext(ctx, &status, `SELECT status FROM bookings WHERE id = $1 FOR UPDATE`, id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to lock booking: %w", err)
		}
		if status != models.BookingStatusPending {
			return ErrStatusConflict
		}

		var outstanding int
		err = tx.GetContext(ctx, &outstanding, `
			SELECT COUNT(*) FROM amendments
			WHERE booking_id = $1 AND applied_at IS NULL AND rejected_at IS NULL`, id)
		if err != nil {
			return fmt.Errorf("failed to count outstanding amendments: %w", err)
		}
		if outstanding > 0 {
			return ErrOutstandingAmendments
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE bookings
			SET status = 'confirmed', driver_approved = TRUE, updated_at = NOW()
			WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("failed to confirm booking: %w", err)
		}
		return nil
	})
}

// ListAwaitingRefund returns terminal bookings whose hold succeeded but
// whose outstanding amount was never released or settled
func (r *BookingRepository) ListAwaitingRefund(ctx context.Context, limit int) ([]models.Booking, error) {
	query := `
		SELECT ` + bookingColumns + `
		FROM bookings b
		WHERE b.status = ANY($1)
		  AND EXISTS (
			SELECT 1 FROM saga_steps s
			WHERE s.booking_id = b.id AND s.step = 'hold' AND s.status = 'succeeded')
		  AND NOT EXISTS (
			SELECT 1 FROM saga_steps s
			WHERE s.booking_id = b.id AND s.step IN ('capture', 'refund') AND s.status = 'succeeded')
		ORDER BY b.updated_at
		LIMIT $2`

	statuses := []models.BookingStatus{models.BookingStatusCancelled, models.BookingStatusNotCompleted}
	bookings := []models.Booking{}
	if err := r.db.SelectContext(ctx, &bookings, query, pq.Array(statusStrings(statuses)), limit); err != nil {
		return nil, fmt.Errorf("failed to list bookings awaiting refund: %w", err)
	}
	return bookings, nil
}

// ListCapturedNotCompleted returns bookings whose capture succeeded but whose
// status never reached Completed
func (r *BookingRepository) ListCapturedNotCompleted(ctx context.Context, limit int) ([]models.Booking, error) {
	query := `
		SELECT ` + bookingColumns + `
		FROM bookings b
		WHERE b.status = ANY($1)
		  AND EXISTS (
			SELECT 1 FROM saga_steps s
			WHERE s.booking_id = b.id AND s.step = 'capture' AND s.status = 'succeeded')
		ORDER BY b.updated_at
		LIMIT $2`

	statuses := []models.BookingStatus{models.BookingStatusConfirmed, models.BookingStatusPendingCompletion}
	bookings := []models.Booking{}
	if err := r.db.SelectContext(ctx, &bookings, query, pq.Array(statusStrings(statuses)), limit); err != nil {
		return nil, fmt.Errorf("failed to list captured bookings: %w", err)
	}
	return bookings, nil
}

func statusStrings(statuses []models.BookingStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
