package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/rideshare-booking/internal/database"
	"github.com/smarttransit/rideshare-booking/internal/metrics"
	"github.com/smarttransit/rideshare-booking/internal/models"
	"github.com/smarttransit/rideshare-booking/pkg/notify"
)

// CancellationApprovalPolicy decides how many parties must approve a
// cancellation amendment before it applies
type CancellationApprovalPolicy string

const (
	// CancellationDualApproval treats cancellations like any other amendment
	CancellationDualApproval CancellationApprovalPolicy = "dual"
	// CancellationSingleApproval applies a cancellation on the first approval
	// from either party
	CancellationSingleApproval CancellationApprovalPolicy = "single"
)

// ParseCancellationApprovalPolicy converts a config value into a policy
func ParseCancellationApprovalPolicy(value string) (CancellationApprovalPolicy, error) {
	switch CancellationApprovalPolicy(value) {
	case CancellationDualApproval, CancellationSingleApproval:
		return CancellationApprovalPolicy(value), nil
	}
	return "", fmt.Errorf("unknown cancellation approval policy %q", value)
}

// AmendmentService runs the propose/approve consensus protocol
type AmendmentService struct {
	bookings   BookingStore
	journeys   JourneyStore
	amendments AmendmentStore
	settlement *SettlementService
	recurrence *RecurrenceEngine
	notifier   *Notifier
	audit      *AuditService
	metrics    *metrics.Metrics
	policy     CancellationApprovalPolicy
	logger     *logrus.Logger
	now        func() time.Time
}

// NewAmendmentService creates a new amendment service
func NewAmendmentService(
	bookings BookingStore,
	journeys JourneyStore,
	amendments AmendmentStore,
	settlement *SettlementService,
	recurrence *RecurrenceEngine,
	notifier *Notifier,
	audit *AuditService,
	m *metrics.Metrics,
	policy CancellationApprovalPolicy,
	logger *logrus.Logger,
) *AmendmentService {
	if policy == "" {
		policy = CancellationDualApproval
	}
	return &AmendmentService{
		bookings:   bookings,
		journeys:   journeys,
		amendments: amendments,
		settlement: settlement,
		recurrence: recurrence,
		notifier:   notifier,
		audit:      audit,
		metrics:    m,
		policy:     policy,
		logger:     logger,
		now:        time.Now,
	}
}

// ============================================================================
// PROPOSE
// ============================================================================

// Propose creates an amendment with both approval bits cleared. The proposer
// must approve it like the other party. Term changes need a pending booking;
// cancellations are also accepted once confirmed.
func (s *AmendmentService) Propose(ctx context.Context, bookingID, proposerID uuid.UUID, req *models.ProposeAmendmentRequest) (*models.Amendment, error) {
	const op = "amendment.propose"

	booking, err := s.bookings.GetByID(ctx, bookingID)
	if err != nil {
		return nil, fromStore(op, err).withBooking(bookingID)
	}
	journey, err := s.journeys.GetByID(ctx, booking.JourneyID)
	if err != nil {
		return nil, fromStore(op, err).withBooking(bookingID)
	}
	if _, ok := booking.RoleOf(proposerID, journey); !ok {
		return nil, newError(KindUnauthorized, op, "caller is not a party to this booking").withBooking(bookingID)
	}

	change := req.Change()
	allowed := []models.BookingStatus{models.BookingStatusPending}
	if req.IsCancellation {
		if !change.IsEmpty() {
			return nil, newError(KindValidation, op, "a cancellation cannot also change terms").withBooking(bookingID)
		}
		allowed = append(allowed, models.BookingStatusConfirmed)
	} else if err := s.validateChange(booking, change); err != nil {
		return nil, err.withBooking(bookingID)
	}

	if !booking.Status.In(allowed...) {
		return nil, newError(KindInvalidState, op, "booking cannot be amended from its current status").withBooking(bookingID)
	}

	amendment := &models.Amendment{
		BookingID:      bookingID,
		ProposerID:     proposerID,
		Change:         change,
		IsCancellation: req.IsCancellation,
	}
	if err := s.amendments.Create(ctx, amendment, allowed); err != nil {
		return nil, fromStore(op, err).withBooking(bookingID)
	}

	s.logger.WithFields(logrus.Fields{
		"booking_id":      bookingID,
		"amendment_id":    amendment.ID,
		"is_cancellation": amendment.IsCancellation,
	}).Info("Amendment proposed")

	s.audit.Record(ctx, models.NewBookingAuditEvent(bookingID, models.AuditAmendmentProposed).
		SetAmendment(amendment.ID).
		SetActor(proposerID))
	s.notifier.Notify(ctx, s.otherParty(proposerID, booking, journey), notify.KindAmendmentProposed, booking, journey, map[string]interface{}{
		"amendment_id":    amendment.ID.String(),
		"is_cancellation": amendment.IsCancellation,
	})

	return amendment, nil
}

func (s *AmendmentService) validateChange(booking *models.Booking, change models.AmendmentChange) *BookingError {
	const op = "amendment.propose"

	if change.IsEmpty() {
		return newError(KindValidation, op, "amendment changes nothing")
	}
	if change.StartTime != nil && change.StartTime.Before(s.now()) {
		return newError(KindValidation, op, "new start time is in the past")
	}
	if change.Price != nil && !change.Price.IsPositive() {
		return newError(KindValidation, op, "new price must be positive")
	}
	if change.Recurrence != nil && *change.Recurrence != "" {
		// A single booking has no window to hold further occurrences against
		if booking.BookedWindowEnd == nil {
			return newError(KindValidation, op, "only recurring bookings can change their recurrence")
		}
		if err := s.recurrence.Validate(*change.Recurrence); err != nil {
			return fromStore(op, err)
		}
	}
	return nil
}

// ============================================================================
// APPROVE
// ============================================================================

// Approve records the caller's decision. Setting the bit and checking the
// other party's bit happen in one locked transaction, so an amendment is
// applied at most once however approvals interleave. Rejecting closes the
// amendment.
func (s *AmendmentService) Approve(ctx context.Context, amendmentID, approverID uuid.UUID, approve bool) (*models.ApproveAmendmentResponse, error) {
	const op = "amendment.approve"

	amendment, err := s.amendments.GetByID(ctx, amendmentID)
	if err != nil {
		return nil, fromStore(op, err).withAmendment(amendmentID)
	}
	booking, err := s.bookings.GetByID(ctx, amendment.BookingID)
	if err != nil {
		return nil, fromStore(op, err).withBooking(amendment.BookingID).withAmendment(amendmentID)
	}
	journey, err := s.journeys.GetByID(ctx, booking.JourneyID)
	if err != nil {
		return nil, fromStore(op, err).withBooking(booking.ID).withAmendment(amendmentID)
	}
	role, ok := booking.RoleOf(approverID, journey)
	if !ok {
		return nil, newError(KindUnauthorized, op, "caller is not a party to this booking").
			withBooking(booking.ID).withAmendment(amendmentID)
	}

	result, err := s.amendments.RecordApproval(ctx, amendmentID, approverID, role, approve, s.decide)
	if err != nil {
		return nil, fromStore(op, err).withBooking(booking.ID).withAmendment(amendmentID)
	}

	booking = result.Booking
	amendment = result.Amendment
	log := s.logger.WithFields(logrus.Fields{
		"booking_id":   booking.ID,
		"amendment_id": amendment.ID,
		"role":         role,
		"approve":      approve,
	})

	var response *models.ApproveAmendmentResponse
	switch {
	case result.Closed:
		response = closedResponse(amendment)
		log.Info("Approval on closed amendment ignored")

	case result.Rejected:
		response = &models.ApproveAmendmentResponse{Outcome: models.OutcomeRejected, Message: "amendment rejected"}
		s.audit.Record(ctx, models.NewBookingAuditEvent(booking.ID, models.AuditAmendmentRejected).
			SetAmendment(amendment.ID).
			SetActor(approverID))
		s.notifier.Notify(ctx, s.otherParty(approverID, booking, journey), notify.KindAmendmentRejected, booking, journey, map[string]interface{}{
			"amendment_id": amendment.ID.String(),
		})
		log.Info("Amendment rejected")

	case result.Applied:
		response = &models.ApproveAmendmentResponse{Outcome: models.OutcomeFullyApproved, Message: "amendment applied"}
		s.applied(ctx, result, journey, approverID)
		log.WithField("to_status", booking.Status).Info("Amendment applied")

	default:
		response = &models.ApproveAmendmentResponse{Outcome: models.OutcomePartiallyApproved, Message: "waiting on the other party"}
		s.audit.Record(ctx, models.NewBookingAuditEvent(booking.ID, models.AuditAmendmentApproval).
			SetAmendment(amendment.ID).
			SetActor(approverID).
			SetDetail(string(role)))
		log.Info("Amendment partially approved")
	}

	s.metrics.AmendmentOutcome(string(response.Outcome))
	return response, nil
}

// decide runs inside the approval transaction with the caller's bit set
func (s *AmendmentService) decide(state *database.ApprovalState, approve bool) (database.ApprovalDecision, error) {
	if !approve {
		return database.ApprovalDecision{}, nil
	}
	booking := state.Booking
	amendment := state.Amendment

	allowed := []models.BookingStatus{models.BookingStatusPending}
	if amendment.IsCancellation {
		allowed = append(allowed, models.BookingStatusConfirmed)
	}
	if !booking.Status.In(allowed...) {
		return database.ApprovalDecision{}, newError(KindInvalidState, "amendment.approve", "booking can no longer be amended").
			withBooking(booking.ID).withAmendment(amendment.ID)
	}
	if amendment.IsCancellation && state.Captured {
		// Capture committed but the status has not caught up yet
		return database.ApprovalDecision{}, newError(KindInvalidState, "amendment.approve", "booking is already settled").
			withBooking(booking.ID).withAmendment(amendment.ID).
			withTransition(booking.Status, models.BookingStatusCancelled)
	}

	apply := amendment.IsApproved() ||
		(amendment.IsCancellation && s.policy == CancellationSingleApproval)
	if !apply {
		return database.ApprovalDecision{}, nil
	}

	target := models.BookingStatusConfirmed
	if amendment.IsCancellation {
		target = models.BookingStatusCancelled
	}
	return database.ApprovalDecision{Apply: true, Target: target}, nil
}

// applied runs the effects of an amendment this call applied
func (s *AmendmentService) applied(ctx context.Context, result *database.ApprovalResult, journey *models.Journey, approverID uuid.UUID) {
	booking := result.Booking
	amendment := result.Amendment

	s.metrics.BookingTransition(string(result.FromStatus), string(booking.Status))
	s.audit.Record(ctx, models.NewBookingAuditEvent(booking.ID, models.AuditAmendmentApplied).
		SetAmendment(amendment.ID).
		SetActor(approverID).
		SetTransition(result.FromStatus, booking.Status))

	kind := notify.KindAmendmentApplied
	if amendment.IsCancellation {
		kind = notify.KindBookingCancelled
		if err := s.settlement.Refund(ctx, booking.ID, RefundCancellation); err != nil {
			// Cancelled bookings without a refund are picked up by the reconciler
			s.logger.WithError(err).WithField("booking_id", booking.ID).Error("Refund after cancellation failed")
			s.audit.Record(ctx, models.NewBookingAuditEvent(booking.ID, models.AuditRefundFailed).
				SetAmendment(amendment.ID).
				SetDetail(err.Error()))
		}
	}

	extra := map[string]interface{}{"amendment_id": amendment.ID.String()}
	s.notifier.Notify(ctx, booking.PassengerID, kind, booking, journey, extra)
	s.notifier.Notify(ctx, journey.DriverID, kind, booking, journey, extra)
}

func closedResponse(amendment *models.Amendment) *models.ApproveAmendmentResponse {
	if amendment.AppliedAt != nil {
		return &models.ApproveAmendmentResponse{Outcome: models.OutcomeFullyApproved, Message: "amendment already applied"}
	}
	return &models.ApproveAmendmentResponse{Outcome: models.OutcomeRejected, Message: "amendment already rejected"}
}

func (s *AmendmentService) otherParty(callerID uuid.UUID, booking *models.Booking, journey *models.Journey) uuid.UUID {
	if callerID == journey.DriverID {
		return booking.PassengerID
	}
	return journey.DriverID
}
