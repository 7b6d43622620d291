package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/rideshare-booking/internal/models"
	"github.com/smarttransit/rideshare-booking/pkg/notify"
)

// Notifier decorates booking events and hands them to a notify.Sender.
// Failures are logged and swallowed.
type Notifier struct {
	sender   notify.Sender
	users    UserDirectory
	vehicles VehicleLookup
	timeout  time.Duration
	logger   *logrus.Logger
}

// NewNotifier creates a new notifier
func NewNotifier(sender notify.Sender, users UserDirectory, vehicles VehicleLookup, timeout time.Duration, logger *logrus.Logger) *Notifier {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Notifier{
		sender:   sender,
		users:    users,
		vehicles: vehicles,
		timeout:  timeout,
		logger:   logger,
	}
}

// Notify sends one event to recipientID about booking
func (n *Notifier) Notify(
	ctx context.Context,
	recipientID uuid.UUID,
	kind notify.EventKind,
	booking *models.Booking,
	journey *models.Journey,
	extra map[string]interface{},
) {
	if n == nil || n.sender == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	defer cancel()

	log := n.logger.WithFields(logrus.Fields{
		"booking_id": booking.ID,
		"recipient":  recipientID,
		"kind":       kind,
	})

	user, err := n.users.GetUser(ctx, recipientID)
	if err != nil {
		log.WithError(err).Warn("Notification skipped: recipient lookup failed")
		return
	}
	if user.Email == "" {
		log.Debug("Notification skipped: recipient has no email")
		return
	}

	data := map[string]interface{}{
		"booking_id":     booking.ID.String(),
		"journey_id":     booking.JourneyID.String(),
		"status":         string(booking.Status),
		"recipient_name": user.DisplayName,
		"ride_time":      booking.RideTime.Format(time.RFC3339),
	}
	if journey != nil {
		data["from"] = journey.Route.Start.Name
		data["to"] = journey.Route.End.Name
		if journey.VehiclePlate != nil && n.vehicles != nil {
			description, err := n.vehicles.GetVehicleDescription(ctx, *journey.VehiclePlate)
			if err != nil {
				log.WithError(err).Debug("Vehicle lookup failed, sending without vehicle")
			} else {
				data["vehicle"] = description
			}
		}
	}
	for k, v := range extra {
		data[k] = v
	}

	if err := n.sender.SendBookingEvent(ctx, user.Email, kind, data); err != nil {
		log.WithError(err).Warn("Failed to send booking notification")
	}
}
