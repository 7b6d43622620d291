package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/rideshare-booking/internal/models"
)

// AuditEventRepository handles booking_audit_events
type AuditEventRepository struct {
	db     DB
	logger *logrus.Logger
}

// NewAuditEventRepository creates a new audit event repository
func NewAuditEventRepository(db DB, logger *logrus.Logger) *AuditEventRepository {
	return &AuditEventRepository{
		db:     db,
		logger: logger,
	}
}

// Log appends an audit event
func (r *AuditEventRepository) Log(ctx context.Context, event *models.BookingAuditEvent) error {
	if event == nil {
		return fmt.Errorf("audit event cannot be nil")
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO booking_audit_events (
			id, booking_id, amendment_id, actor_id, action,
			from_status, to_status, detail,
			ip_address, user_agent, device_info, created_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8,
			$9, $10, $11, $12
		)`

	_, err := r.db.ExecContext(ctx, query,
		event.ID, event.BookingID, event.AmendmentID, event.ActorID, event.Action,
		event.FromStatus, event.ToStatus, event.Detail,
		event.IPAddress, event.UserAgent, event.DeviceInfo, event.CreatedAt,
	)
	if err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"booking_id": event.BookingID,
			"action":     event.Action,
		}).Error("Failed to log booking audit event")
		return fmt.Errorf("failed to log booking audit event: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"audit_id":   event.ID,
		"booking_id": event.BookingID,
		"action":     event.Action,
	}).Debug("Booking audit event logged")

	return nil
}

// ListByBooking retrieves all audit events for a booking, oldest first
func (r *AuditEventRepository) ListByBooking(ctx context.Context, bookingID uuid.UUID) ([]models.BookingAuditEvent, error) {
	events := []models.BookingAuditEvent{}
	query := `
		SELECT id, booking_id, amendment_id, actor_id, action,
		       from_status, to_status, detail,
		       ip_address, user_agent, device_info, created_at
		FROM booking_audit_events
		WHERE booking_id = $1
		ORDER BY created_at ASC`

	if err := r.db.SelectContext(ctx, &events, query, bookingID); err != nil {
		return nil, fmt.Errorf("failed to get audit events: %w", err)
	}
	return events, nil
}
