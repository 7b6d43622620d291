package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/rideshare-booking/internal/models"
	"github.com/smarttransit/rideshare-booking/internal/utils"
)

// AuditService appends booking audit events. Recording is best effort: a
// failed write is logged and never fails the booking operation.
type AuditService struct {
	store  AuditStore
	logger *logrus.Logger
}

// NewAuditService creates a new audit service
func NewAuditService(store AuditStore, logger *logrus.Logger) *AuditService {
	return &AuditService{
		store:  store,
		logger: logger,
	}
}

// Record stamps the event with the caller's IP and device and stores it
func (s *AuditService) Record(ctx context.Context, event *models.BookingAuditEvent) {
	if s == nil || s.store == nil || event == nil {
		return
	}

	info, _ := RequestInfoFrom(ctx)
	var device map[string]interface{}
	if info.UserAgent != "" {
		device = utils.ParseUserAgent(info.UserAgent).Fields()
	}
	event.SetMetadata(info.IPAddress, info.UserAgent, device)

	// Audit writes outlive a caller that already gave up
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()

	if err := s.store.Log(writeCtx, event); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"booking_id": event.BookingID,
			"action":     event.Action,
		}).Warn("Failed to record booking audit event")
	}
}

// History returns a booking's audit events, oldest first
func (s *AuditService) History(ctx context.Context, bookingID uuid.UUID) ([]models.BookingAuditEvent, error) {
	return s.store.ListByBooking(ctx, bookingID)
}
