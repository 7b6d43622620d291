package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/rideshare-booking/internal/database"
	"github.com/smarttransit/rideshare-booking/internal/metrics"
	"github.com/smarttransit/rideshare-booking/internal/models"
	"github.com/smarttransit/rideshare-booking/pkg/notify"
)

var maxFeeMargin = decimal.RequireFromString("0.99")

// BookingConfig holds booking lifecycle configuration
type BookingConfig struct {
	DefaultFeeMargin decimal.Decimal // used when no platform_fee_margin setting exists
}

// BookingService owns the booking status state machine
type BookingService struct {
	bookings   BookingStore
	journeys   JourneyStore
	amendments AmendmentStore
	settings   SettingsStore
	settlement *SettlementService
	recurrence *RecurrenceEngine
	notifier   *Notifier
	audit      *AuditService
	metrics    *metrics.Metrics
	config     BookingConfig
	logger     *logrus.Logger
	now        func() time.Time
}

// NewBookingService creates a new booking service
func NewBookingService(
	bookings BookingStore,
	journeys JourneyStore,
	amendments AmendmentStore,
	settings SettingsStore,
	settlement *SettlementService,
	recurrence *RecurrenceEngine,
	notifier *Notifier,
	audit *AuditService,
	m *metrics.Metrics,
	config BookingConfig,
	logger *logrus.Logger,
) *BookingService {
	return &BookingService{
		bookings:   bookings,
		journeys:   journeys,
		amendments: amendments,
		settings:   settings,
		settlement: settlement,
		recurrence: recurrence,
		notifier:   notifier,
		audit:      audit,
		metrics:    m,
		config:     config,
		logger:     logger,
		now:        time.Now,
	}
}

// ============================================================================
// CREATE (PrePending -> Pending)
// ============================================================================

// CreateBooking snapshots the platform fee margin, stores the booking in
// PrePending and runs the hold. The booking only reaches Pending if the hold
// succeeds; otherwise it stays PrePending and the hold error is returned.
func (s *BookingService) CreateBooking(ctx context.Context, passengerID uuid.UUID, req *models.CreateBookingRequest) (*models.Booking, error) {
	const op = "booking.create"

	journeyID, err := uuid.Parse(req.JourneyID)
	if err != nil {
		return nil, newError(KindValidation, op, "invalid journey id")
	}
	journey, err := s.journeys.GetByID(ctx, journeyID)
	if err != nil {
		return nil, fromStore(op, err)
	}
	if journey.DriverID == passengerID {
		return nil, newError(KindValidation, op, "drivers cannot book their own journey")
	}

	now := s.now()
	if req.RideTime.Before(now) {
		return nil, newError(KindValidation, op, "ride time is in the past")
	}

	if err := s.checkRideTime(journey, req.RideTime); err != nil {
		return nil, err
	}

	var windowEnd *time.Time
	if journey.IsRecurring() {
		end, err := s.recurringWindow(journey, req)
		if err != nil {
			return nil, err
		}
		windowEnd = &end
	}

	feeMargin, err := s.settings.GetDecimal(ctx, models.SettingPlatformFeeMargin, s.config.DefaultFeeMargin)
	if err != nil {
		return nil, fromStore(op, err)
	}
	if feeMargin.IsNegative() || feeMargin.GreaterThan(maxFeeMargin) {
		return nil, newError(KindDownstreamFailure, op, "platform fee margin setting is out of range")
	}

	booking := &models.Booking{
		PassengerID:     passengerID,
		JourneyID:       journey.ID,
		FeeMargin:       feeMargin,
		RideTime:        req.RideTime,
		BookedWindowEnd: windowEnd,
	}
	if err := s.bookings.Create(ctx, booking); err != nil {
		return nil, fromStore(op, err)
	}

	log := s.logger.WithFields(logrus.Fields{
		"booking_id": booking.ID,
		"journey_id": journey.ID,
		"fee_margin": feeMargin,
	})

	if err := s.settlement.Hold(ctx, booking, journey); err != nil {
		log.WithError(err).Warn("Hold failed, booking stays pre_pending")
		s.audit.Record(ctx, models.NewBookingAuditEvent(booking.ID, models.AuditHoldFailed).
			SetActor(passengerID).
			SetDetail(err.Error()))
		return nil, err
	}

	if err := s.transition(ctx, booking, passengerID, models.AuditBookingCreated, models.BookingStatusPending, models.BookingStatusPrePending); err != nil {
		return nil, err
	}

	log.Info("Booking created")
	return booking, nil
}

// checkRideTime pins the ride to the journey's schedule: the departure of a
// single journey or one occurrence of a recurring one
func (s *BookingService) checkRideTime(journey *models.Journey, rideTime time.Time) error {
	const op = "booking.create"

	if !journey.IsRecurring() {
		if !rideTime.Equal(journey.DepartureAt) {
			return newError(KindValidation, op, "ride time must match the journey departure")
		}
		return nil
	}
	if rideTime.Before(journey.DepartureAt) {
		return newError(KindValidation, op, "ride time is before the journey's first departure")
	}
	ok, err := s.recurrence.IsOccurrence(*journey.RecurrenceRule, rideTime)
	if err != nil {
		return err
	}
	if !ok {
		return newError(KindValidation, op, "ride time is not a journey occurrence")
	}
	return nil
}

// recurringWindow clamps the requested window to the journey's validity and
// requires at least one occurrence inside it
func (s *BookingService) recurringWindow(journey *models.Journey, req *models.CreateBookingRequest) (time.Time, error) {
	const op = "booking.create"

	var end time.Time
	switch {
	case req.WindowEnd != nil:
		end = *req.WindowEnd
	case journey.ValidUntil != nil:
		end = *journey.ValidUntil
	default:
		return time.Time{}, newError(KindValidation, op, "window_end is required for recurring journeys")
	}
	if journey.ValidUntil != nil && end.After(*journey.ValidUntil) {
		end = *journey.ValidUntil
	}

	n, err := s.recurrence.Count(*journey.RecurrenceRule, req.RideTime, end)
	if err != nil {
		return time.Time{}, err
	}
	if n == 0 {
		return time.Time{}, newError(KindValidation, op, "no journey occurrences between ride time and window end")
	}
	return end, nil
}

// ============================================================================
// DRIVER APPROVAL (Pending -> Confirmed)
// ============================================================================

// ApproveBooking confirms a pending booking. Only the journey's driver may
// approve, and only while no amendment is outstanding.
func (s *BookingService) ApproveBooking(ctx context.Context, bookingID, driverID uuid.UUID) (*models.Booking, error) {
	const op = "booking.approve"

	booking, journey, err := s.load(ctx, op, bookingID)
	if err != nil {
		return nil, err
	}
	if journey.DriverID != driverID {
		return nil, newError(KindUnauthorized, op, "only the journey's driver can approve").withBooking(bookingID)
	}
	if booking.Status != models.BookingStatusPending {
		return nil, newError(KindInvalidState, op, "booking is not pending").
			withBooking(bookingID).withTransition(booking.Status, models.BookingStatusConfirmed)
	}

	if err := s.bookings.ConfirmByDriver(ctx, bookingID); err != nil {
		be := fromStore(op, err).withBooking(bookingID).withTransition(booking.Status, models.BookingStatusConfirmed)
		if errors.Is(err, database.ErrOutstandingAmendments) {
			be.Message = "booking has outstanding amendments"
		}
		return nil, be
	}

	from := booking.Status
	booking.Status = models.BookingStatusConfirmed
	booking.DriverApproved = true
	s.recordTransition(ctx, booking, driverID, models.AuditBookingApproved, from)
	s.notifier.Notify(ctx, booking.PassengerID, notify.KindBookingConfirmed, booking, journey, nil)

	return booking, nil
}

// ============================================================================
// PICKUP (Confirmed -> PendingCompletion)
// ============================================================================

// ConfirmPickup records that the driver picked the passenger up for the
// occurrence at occurrenceTime. Single rides move to PendingCompletion. A
// recurring booking moves only when this is the last occurrence in its
// window; with more still due it stays Confirmed, and with none left the
// call is rejected as stale.
func (s *BookingService) ConfirmPickup(ctx context.Context, bookingID, driverID uuid.UUID, occurrenceTime time.Time) (*models.Booking, error) {
	const op = "booking.confirm_pickup"

	booking, journey, err := s.load(ctx, op, bookingID)
	if err != nil {
		return nil, err
	}
	if journey.DriverID != driverID {
		return nil, newError(KindUnauthorized, op, "only the journey's driver can confirm pickup").withBooking(bookingID)
	}
	return s.pickup(ctx, booking, journey, driverID, occurrenceTime, false)
}

// pickup counts the occurrences left from occurrenceTime. With current set,
// occurrenceTime is a wall clock reading and is moved back to the latest
// occurrence at or before it, which is the ride being reported.
func (s *BookingService) pickup(ctx context.Context, booking *models.Booking, journey *models.Journey, driverID uuid.UUID, occurrenceTime time.Time, current bool) (*models.Booking, error) {
	const op = "booking.confirm_pickup"

	if booking.Status != models.BookingStatusConfirmed {
		return nil, newError(KindInvalidState, op, "booking is not confirmed").
			withBooking(booking.ID).withTransition(booking.Status, models.BookingStatusPendingCompletion)
	}

	amendments, err := s.amendments.ListByBooking(ctx, booking.ID)
	if err != nil {
		return nil, fromStore(op, err).withBooking(booking.ID)
	}
	view := Resolve(journey, booking, amendments)

	// Without a booked window the booking paid for one ride
	if view.IsRecurring() && booking.BookedWindowEnd != nil {
		windowEnd := *booking.BookedWindowEnd

		if current {
			latest, ok, err := s.recurrence.Latest(*view.Recurrence, view.StartTime, occurrenceTime)
			if err != nil {
				return nil, err
			}
			if ok && latest.Before(windowEnd) {
				occurrenceTime = latest
			}
		}

		remaining, err := s.recurrence.Count(*view.Recurrence, occurrenceTime, windowEnd)
		if err != nil {
			return nil, err
		}
		switch {
		case remaining == 0:
			return nil, newError(KindInvalidState, op, "no occurrences remain in the booked window").
				withBooking(booking.ID).withTransition(booking.Status, models.BookingStatusPendingCompletion)
		case remaining > 1:
			s.audit.Record(ctx, models.NewBookingAuditEvent(booking.ID, models.AuditPickupConfirmed).
				SetActor(driverID).
				SetDetail("occurrence " + occurrenceTime.Format(time.RFC3339)))
			s.notifier.Notify(ctx, booking.PassengerID, notify.KindPickupConfirmed, booking, journey, map[string]interface{}{
				"occurrence_time":       occurrenceTime.Format(time.RFC3339),
				"remaining_occurrences": remaining - 1,
			})
			return booking, nil
		}
	}

	if err := s.transition(ctx, booking, driverID, models.AuditPickupConfirmed, models.BookingStatusPendingCompletion, models.BookingStatusConfirmed); err != nil {
		return nil, err
	}
	s.notifier.Notify(ctx, booking.PassengerID, notify.KindPickupConfirmed, booking, journey, nil)
	return booking, nil
}

// ============================================================================
// COMPLETION (-> Completed | NotCompleted)
// ============================================================================

// CompleteBooking resolves a booking. The driver's input is the pickup
// transition. The passenger's input settles the booking (completed) or
// closes it without settlement (not completed). A failed capture is
// compensated to NotCompleted and the hold is released.
func (s *BookingService) CompleteBooking(ctx context.Context, bookingID, callerID uuid.UUID, completed bool) (*models.Booking, error) {
	const op = "booking.complete"

	booking, journey, err := s.load(ctx, op, bookingID)
	if err != nil {
		return nil, err
	}
	role, ok := booking.RoleOf(callerID, journey)
	if !ok {
		return nil, newError(KindUnauthorized, op, "caller is not a party to this booking").withBooking(bookingID)
	}

	if role == models.PartyDriver {
		if !completed {
			return nil, newError(KindValidation, op, "drivers can only report a completed pickup").withBooking(bookingID)
		}
		return s.pickup(ctx, booking, journey, callerID, s.now(), true)
	}

	if !booking.Status.In(models.BookingStatusConfirmed, models.BookingStatusPendingCompletion) {
		target := models.BookingStatusCompleted
		if !completed {
			target = models.BookingStatusNotCompleted
		}
		return nil, newError(KindInvalidState, op, "booking cannot be completed from its current status").
			withBooking(bookingID).withTransition(booking.Status, target)
	}

	if !completed {
		return s.closeNotCompleted(ctx, booking, journey, callerID)
	}
	return s.settle(ctx, booking, journey, callerID)
}

func (s *BookingService) settle(ctx context.Context, booking *models.Booking, journey *models.Journey, callerID uuid.UUID) (*models.Booking, error) {
	const op = "booking.complete"
	from := booking.Status
	log := s.logger.WithFields(logrus.Fields{
		"booking_id":  booking.ID,
		"from_status": from,
		"to_status":   models.BookingStatusCompleted,
	})

	captureErr := s.settlement.Capture(ctx, booking.ID)
	if KindOf(captureErr) == KindInvalidState {
		// Cancelled or released under us; nothing to compensate
		log.WithError(captureErr).Warn("Capture rejected by current booking state")
		return nil, captureErr
	}
	if captureErr != nil {
		// The caller may have gone; compensation must still finish
		detached := context.WithoutCancel(ctx)

		if step, err := s.settlement.StepStatus(detached, booking.ID, models.StepCapture); err == nil && step != nil && step.Status == models.StepSucceeded {
			log.WithError(captureErr).Warn("Capture reported failure but is recorded as succeeded")
			return s.finishCompleted(detached, booking, journey, callerID, from)
		}

		log.WithError(captureErr).Error("Capture failed, compensating to not_completed")
		if err := s.bookings.TransitionStatus(detached, booking.ID, []models.BookingStatus{from}, models.BookingStatusNotCompleted); err != nil {
			log.WithError(err).Error("Compensation transition failed")
			return nil, newError(KindDownstreamFailure, op, "capture failed and compensation did not complete").
				withBooking(booking.ID).withTransition(from, models.BookingStatusCompleted).wrap(captureErr)
		}
		booking.Status = models.BookingStatusNotCompleted
		s.recordTransition(detached, booking, callerID, models.AuditBookingCompensated, from)

		if err := s.settlement.Refund(detached, booking.ID, RefundNotCompleted); err != nil {
			log.WithError(err).Warn("Hold release after failed capture deferred to reconciler")
		}
		s.notifier.Notify(detached, booking.PassengerID, notify.KindBookingNotCompleted, booking, journey, nil)
		s.notifier.Notify(detached, journey.DriverID, notify.KindBookingNotCompleted, booking, journey, nil)

		return nil, newError(KindDownstreamFailure, op, "settlement failed; booking marked not completed").
			withBooking(booking.ID).withTransition(from, models.BookingStatusCompleted).wrap(captureErr)
	}

	return s.finishCompleted(ctx, booking, journey, callerID, from)
}

func (s *BookingService) finishCompleted(ctx context.Context, booking *models.Booking, journey *models.Journey, callerID uuid.UUID, from models.BookingStatus) (*models.Booking, error) {
	const op = "booking.complete"

	err := s.bookings.TransitionStatus(ctx, booking.ID, []models.BookingStatus{models.BookingStatusConfirmed, models.BookingStatusPendingCompletion}, models.BookingStatusCompleted)
	if err != nil {
		if errors.Is(err, database.ErrStatusConflict) {
			// A concurrent completion may have won
			current, getErr := s.bookings.GetByID(ctx, booking.ID)
			if getErr == nil && current.Status == models.BookingStatusCompleted {
				return current, nil
			}
		}
		return nil, fromStore(op, err).withBooking(booking.ID).withTransition(from, models.BookingStatusCompleted)
	}

	booking.Status = models.BookingStatusCompleted
	s.recordTransition(ctx, booking, callerID, models.AuditBookingCompleted, from)
	s.notifier.Notify(ctx, journey.DriverID, notify.KindBookingCompleted, booking, journey, nil)
	s.notifier.Notify(ctx, booking.PassengerID, notify.KindBookingCompleted, booking, journey, nil)
	return booking, nil
}

func (s *BookingService) closeNotCompleted(ctx context.Context, booking *models.Booking, journey *models.Journey, callerID uuid.UUID) (*models.Booking, error) {
	from := booking.Status
	if err := s.transition(ctx, booking, callerID, models.AuditBookingCompleted, models.BookingStatusNotCompleted, from); err != nil {
		return nil, err
	}

	if err := s.settlement.Refund(ctx, booking.ID, RefundNotCompleted); err != nil {
		s.logger.WithError(err).WithField("booking_id", booking.ID).Warn("Hold release deferred to reconciler")
	}
	s.notifier.Notify(ctx, journey.DriverID, notify.KindBookingNotCompleted, booking, journey, nil)
	return booking, nil
}

// ============================================================================
// READ MODEL
// ============================================================================

// GetBookingDetails returns the booking with its effective terms and
// amendments. Only the driver and passenger may read it.
func (s *BookingService) GetBookingDetails(ctx context.Context, bookingID, callerID uuid.UUID) (*models.BookingDetails, error) {
	const op = "booking.get"

	booking, journey, err := s.load(ctx, op, bookingID)
	if err != nil {
		return nil, err
	}
	if _, ok := booking.RoleOf(callerID, journey); !ok {
		return nil, newError(KindUnauthorized, op, "caller is not a party to this booking").withBooking(bookingID)
	}

	amendments, err := s.amendments.ListByBooking(ctx, bookingID)
	if err != nil {
		return nil, fromStore(op, err).withBooking(bookingID)
	}

	return &models.BookingDetails{
		Booking:    booking,
		Journey:    journey,
		Effective:  Resolve(journey, booking, amendments),
		Amendments: amendments,
	}, nil
}

// GetBookingHistory returns the audit trail of a booking to its parties
func (s *BookingService) GetBookingHistory(ctx context.Context, bookingID, callerID uuid.UUID) ([]models.BookingAuditEvent, error) {
	const op = "booking.history"

	booking, journey, err := s.load(ctx, op, bookingID)
	if err != nil {
		return nil, err
	}
	if _, ok := booking.RoleOf(callerID, journey); !ok {
		return nil, newError(KindUnauthorized, op, "caller is not a party to this booking").withBooking(bookingID)
	}

	events, err := s.audit.History(ctx, bookingID)
	if err != nil {
		return nil, fromStore(op, err).withBooking(bookingID)
	}
	return events, nil
}

// ============================================================================
// HELPERS
// ============================================================================

func (s *BookingService) load(ctx context.Context, op string, bookingID uuid.UUID) (*models.Booking, *models.Journey, error) {
	booking, err := s.bookings.GetByID(ctx, bookingID)
	if err != nil {
		return nil, nil, fromStore(op, err).withBooking(bookingID)
	}
	journey, err := s.journeys.GetByID(ctx, booking.JourneyID)
	if err != nil {
		return nil, nil, fromStore(op, err).withBooking(bookingID)
	}
	return booking, journey, nil
}

// transition applies a guarded status change and records it
func (s *BookingService) transition(
	ctx context.Context,
	booking *models.Booking,
	actorID uuid.UUID,
	action models.BookingAuditAction,
	to models.BookingStatus,
	from ...models.BookingStatus,
) error {
	if err := s.bookings.TransitionStatus(ctx, booking.ID, from, to); err != nil {
		return fromStore("booking.transition", err).withBooking(booking.ID).withTransition(booking.Status, to)
	}
	prev := booking.Status
	booking.Status = to
	s.recordTransition(ctx, booking, actorID, action, prev)
	return nil
}

func (s *BookingService) recordTransition(ctx context.Context, booking *models.Booking, actorID uuid.UUID, action models.BookingAuditAction, from models.BookingStatus) {
	s.metrics.BookingTransition(string(from), string(booking.Status))
	s.audit.Record(ctx, models.NewBookingAuditEvent(booking.ID, action).
		SetActor(actorID).
		SetTransition(from, booking.Status))
	s.logger.WithFields(logrus.Fields{
		"booking_id":  booking.ID,
		"from_status": from,
		"to_status":   booking.Status,
		"actor_id":    actorID,
	}).Info("Booking status changed")
}
