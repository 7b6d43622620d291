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
)

// RefundReason selects the refund policy
type RefundReason string

const (
	RefundCancellation RefundReason = "cancellation"
	RefundNotCompleted RefundReason = "not_completed"
)

// SettlementConfig holds saga step tuning and the cancellation policy
type SettlementConfig struct {
	StepTimeout             time.Duration   // bound on one ledger call
	IdempotentStepRetries   int             // extra attempts for capture and refund
	CancellationWindow      time.Duration   // cancellations closer than this to the next ride pay a fee
	PassengerRefundFraction decimal.Decimal // share of the per-ride price not charged on late cancellation
}

// DefaultSettlementConfig returns default configuration
func DefaultSettlementConfig() SettlementConfig {
	return SettlementConfig{
		StepTimeout:             5 * time.Second,
		IdempotentStepRetries:   1,
		CancellationWindow:      15 * time.Minute,
		PassengerRefundFraction: decimal.RequireFromString("0.75"),
	}
}

// SettlementService runs the hold, capture and refund steps against the
// ledger. Each step commits atomically and at most once per booking.
type SettlementService struct {
	bookings   BookingStore
	journeys   JourneyStore
	amendments AmendmentStore
	ledger     LedgerStore
	recurrence *RecurrenceEngine
	metrics    *metrics.Metrics
	config     SettlementConfig
	logger     *logrus.Logger
	now        func() time.Time
}

// NewSettlementService creates a new settlement service
func NewSettlementService(
	bookings BookingStore,
	journeys JourneyStore,
	amendments AmendmentStore,
	ledger LedgerStore,
	recurrence *RecurrenceEngine,
	m *metrics.Metrics,
	config SettlementConfig,
	logger *logrus.Logger,
) *SettlementService {
	return &SettlementService{
		bookings:   bookings,
		journeys:   journeys,
		amendments: amendments,
		ledger:     ledger,
		recurrence: recurrence,
		metrics:    m,
		config:     config,
		logger:     logger,
		now:        time.Now,
	}
}

// netPrice is the price after the platform margin: price - price*margin
func netPrice(price, feeMargin decimal.Decimal) decimal.Decimal {
	return price.Sub(price.Mul(feeMargin)).Round(2)
}

// ============================================================================
// HOLD
// ============================================================================

// Hold verifies the passenger can cover the advertised price for every booked
// occurrence and reserves the net price in the driver's Pending balance.
// Hold is never retried.
func (s *SettlementService) Hold(ctx context.Context, booking *models.Booking, journey *models.Journey) error {
	view := Resolve(journey, booking, nil)
	units, err := s.bookedUnits(view, booking)
	if err != nil {
		return err
	}

	required := journey.Price.Mul(decimal.NewFromInt(int64(units)))
	held := netPrice(journey.Price, booking.FeeMargin).Mul(decimal.NewFromInt(int64(units)))

	plan := func(state *database.LedgerState) (*database.StepPlan, error) {
		passenger := state.Account(booking.PassengerID)
		if passenger.NonPending.LessThan(required) {
			return nil, database.ErrInsufficientFunds
		}
		return &database.StepPlan{
			Amount:   held,
			Currency: view.Currency,
			Mutations: []models.LedgerMutation{
				{UserID: journey.DriverID, Balance: models.BalancePending, Value: held, EntryType: models.EntryHold},
			},
		}, nil
	}

	return s.runStep(ctx, booking.ID, models.StepHold, []uuid.UUID{booking.PassengerID, journey.DriverID}, plan)
}

// ============================================================================
// CAPTURE
// ============================================================================

// Capture settles a completed booking at its current effective price:
// the outstanding hold leaves the driver's Pending balance, the passenger is
// debited the net price and the driver is credited the net price less the
// margin. All three mutations commit together or not at all. The booking
// must still be confirmed or pending completion when the ledger is locked.
func (s *SettlementService) Capture(ctx context.Context, bookingID uuid.UUID) error {
	booking, journey, view, err := s.loadTerms(ctx, bookingID)
	if err != nil {
		return err
	}
	units, err := s.bookedUnits(view, booking)
	if err != nil {
		return err
	}

	debit := netPrice(view.Price, booking.FeeMargin).Mul(decimal.NewFromInt(int64(units)))
	credit := netPrice(debit, booking.FeeMargin)

	plan := func(state *database.LedgerState) (*database.StepPlan, error) {
		if !state.BookingStatus.In(models.BookingStatusConfirmed, models.BookingStatusPendingCompletion) {
			return nil, newError(KindInvalidState, "settlement.capture", "booking is not awaiting settlement").
				withBooking(bookingID).withTransition(state.BookingStatus, models.BookingStatusCompleted)
		}
		held, err := outstandingHold(state, bookingID)
		if err != nil {
			return nil, err
		}
		if refund, ok := state.Steps[models.StepRefund]; ok && refund.Status == models.StepSucceeded {
			return nil, newError(KindInvalidState, "settlement.capture", "hold was already released").withBooking(bookingID)
		}
		return &database.StepPlan{
			Amount:   held,
			Currency: view.Currency,
			Mutations: []models.LedgerMutation{
				{UserID: journey.DriverID, Balance: models.BalancePending, Value: held.Neg(), EntryType: models.EntryHoldRelease},
				{UserID: booking.PassengerID, Balance: models.BalanceNonPending, Value: debit.Neg(), EntryType: models.EntrySettlementDebit},
				{UserID: journey.DriverID, Balance: models.BalanceNonPending, Value: credit, EntryType: models.EntrySettlementCredit},
			},
		}, nil
	}

	return s.runStep(ctx, bookingID, models.StepCapture, []uuid.UUID{booking.PassengerID, journey.DriverID}, plan)
}

// ============================================================================
// REFUND
// ============================================================================

// refundSizing is computed from the effective terms before the ledger is locked
type refundSizing struct {
	charge  decimal.Decimal // elapsed, uncaptured occurrences of a recurring booking
	fee     decimal.Decimal // late cancellation fee
	lateFee bool
	elapsed int
}

// Refund releases the driver's outstanding hold for a cancelled or
// not-completed booking. A cancellation inside the cancellation window
// charges the passenger (1 - refund fraction) of one net ride price, split
// between driver and platform by the booking's margin. For recurring
// bookings, occurrences that already elapsed are settled like a capture.
// Passenger charges are capped at the passenger's spendable balance.
func (s *SettlementService) Refund(ctx context.Context, bookingID uuid.UUID, reason RefundReason) error {
	booking, journey, view, err := s.loadTerms(ctx, bookingID)
	if err != nil {
		return err
	}

	sizing, err := s.sizeRefund(booking, view, reason)
	if err != nil {
		return err
	}

	plan := func(state *database.LedgerState) (*database.StepPlan, error) {
		hold, ok := state.Steps[models.StepHold]
		if !ok || hold.Status != models.StepSucceeded {
			// Nothing was ever held
			return &database.StepPlan{Amount: decimal.Zero, Currency: view.Currency}, nil
		}
		if capture, ok := state.Steps[models.StepCapture]; ok && capture.Status == models.StepSucceeded {
			return nil, database.ErrStepAlreadyApplied
		}

		available := state.Account(booking.PassengerID).NonPending
		if available.IsNegative() {
			available = decimal.Zero
		}
		chargeTaken := decimal.Min(sizing.charge, available)
		feeTaken := decimal.Min(sizing.fee, available.Sub(chargeTaken))

		mutations := []models.LedgerMutation{
			{UserID: journey.DriverID, Balance: models.BalancePending, Value: hold.Amount.Neg(), EntryType: models.EntryRefund},
		}
		if chargeTaken.IsPositive() {
			mutations = append(mutations,
				models.LedgerMutation{UserID: booking.PassengerID, Balance: models.BalanceNonPending, Value: chargeTaken.Neg(), EntryType: models.EntrySettlementDebit},
				models.LedgerMutation{UserID: journey.DriverID, Balance: models.BalanceNonPending, Value: netPrice(chargeTaken, booking.FeeMargin), EntryType: models.EntrySettlementCredit},
			)
		}
		if feeTaken.IsPositive() {
			mutations = append(mutations,
				models.LedgerMutation{UserID: booking.PassengerID, Balance: models.BalanceNonPending, Value: feeTaken.Neg(), EntryType: models.EntryCancellationFee},
				models.LedgerMutation{UserID: journey.DriverID, Balance: models.BalanceNonPending, Value: netPrice(feeTaken, booking.FeeMargin), EntryType: models.EntryCancellationFee},
			)
		}

		return &database.StepPlan{Amount: hold.Amount, Currency: view.Currency, Mutations: mutations}, nil
	}

	s.logger.WithFields(logrus.Fields{
		"booking_id": bookingID,
		"step":       models.StepRefund,
		"reason":     reason,
		"late_fee":   sizing.lateFee,
		"elapsed":    sizing.elapsed,
	}).Info("Running refund")

	return s.runStep(ctx, bookingID, models.StepRefund, []uuid.UUID{booking.PassengerID, journey.DriverID}, plan)
}

func (s *SettlementService) sizeRefund(booking *models.Booking, view models.EffectiveView, reason RefundReason) (refundSizing, error) {
	sizing := refundSizing{charge: decimal.Zero, fee: decimal.Zero}
	if reason != RefundCancellation {
		return sizing, nil
	}

	ref := s.now()
	if booking.CancelledAt != nil {
		ref = *booking.CancelledAt
	}
	perRide := netPrice(view.Price, booking.FeeMargin)

	var nextRide time.Time
	hasNext := true
	if view.IsRecurring() && booking.BookedWindowEnd != nil {
		total, err := s.bookedUnits(view, booking)
		if err != nil {
			return sizing, err
		}
		from := ref
		if view.StartTime.After(from) {
			from = view.StartTime
		}
		remaining, err := s.recurrence.Count(*view.Recurrence, from, *booking.BookedWindowEnd)
		if err != nil {
			return sizing, err
		}
		if total > remaining {
			sizing.elapsed = total - remaining
		}
		nextRide, hasNext, err = s.recurrence.Next(*view.Recurrence, from, *booking.BookedWindowEnd)
		if err != nil {
			return sizing, err
		}
	} else {
		nextRide = view.StartTime
	}

	sizing.charge = perRide.Mul(decimal.NewFromInt(int64(sizing.elapsed)))
	if hasNext && nextRide.Sub(ref) < s.config.CancellationWindow {
		sizing.lateFee = true
		sizing.fee = perRide.Mul(decimal.NewFromInt(1).Sub(s.config.PassengerRefundFraction)).Round(2)
	}
	return sizing, nil
}

// ============================================================================
// HELPERS
// ============================================================================

// StepStatus returns the recorded outcome of one step, if any
func (s *SettlementService) StepStatus(ctx context.Context, bookingID uuid.UUID, step models.SagaStepName) (*models.SagaStep, error) {
	steps, err := s.ledger.ListSteps(ctx, bookingID)
	if err != nil {
		return nil, fromStore("settlement.steps", err).withBooking(bookingID)
	}
	for i := range steps {
		if steps[i].Step == step {
			return &steps[i], nil
		}
	}
	return nil, nil
}

func outstandingHold(state *database.LedgerState, bookingID uuid.UUID) (decimal.Decimal, error) {
	hold, ok := state.Steps[models.StepHold]
	if !ok || hold.Status != models.StepSucceeded {
		return decimal.Zero, newError(KindInvalidState, "settlement", "booking has no hold to settle").withBooking(bookingID)
	}
	return hold.Amount, nil
}

func (s *SettlementService) loadTerms(ctx context.Context, bookingID uuid.UUID) (*models.Booking, *models.Journey, models.EffectiveView, error) {
	booking, err := s.bookings.GetByID(ctx, bookingID)
	if err != nil {
		return nil, nil, models.EffectiveView{}, fromStore("settlement.load", err).withBooking(bookingID)
	}
	journey, err := s.journeys.GetByID(ctx, booking.JourneyID)
	if err != nil {
		return nil, nil, models.EffectiveView{}, fromStore("settlement.load", err).withBooking(bookingID)
	}
	amendments, err := s.amendments.ListByBooking(ctx, bookingID)
	if err != nil {
		return nil, nil, models.EffectiveView{}, fromStore("settlement.load", err).withBooking(bookingID)
	}
	return booking, journey, Resolve(journey, booking, amendments), nil
}

// bookedUnits is the number of occurrences a booking pays for: 1 for a
// single ride, the occurrences in [start, window end) for a recurring one
func (s *SettlementService) bookedUnits(view models.EffectiveView, booking *models.Booking) (int, error) {
	if !view.IsRecurring() || booking.BookedWindowEnd == nil {
		return 1, nil
	}
	n, err := s.recurrence.Count(*view.Recurrence, view.StartTime, *booking.BookedWindowEnd)
	if err != nil {
		return 0, err
	}
	if n < 1 {
		return 1, nil
	}
	return n, nil
}

// runStep applies one step with a bounded timeout. Transient failures of
// idempotent steps are retried; a prior success is treated as done.
func (s *SettlementService) runStep(
	ctx context.Context,
	bookingID uuid.UUID,
	step models.SagaStepName,
	userIDs []uuid.UUID,
	plan database.StepPlanner,
) error {
	attempts := 1
	if step.Idempotent() {
		attempts += s.config.IdempotentStepRetries
	}

	log := s.logger.WithFields(logrus.Fields{
		"booking_id": bookingID,
		"step":       step,
	})

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, s.config.StepTimeout)
		applied, err := s.ledger.ApplyStep(stepCtx, bookingID, step, userIDs, plan)
		cancel()
		elapsed := time.Since(start)

		if err == nil {
			s.metrics.ObserveSagaStep(string(step), "succeeded", elapsed)
			log.WithFields(logrus.Fields{
				"amount":  applied.Amount,
				"attempt": attempt,
			}).Info("Saga step succeeded")
			return nil
		}
		if errors.Is(err, database.ErrStepAlreadyApplied) {
			s.metrics.ObserveSagaStep(string(step), "already_applied", elapsed)
			log.Info("Saga step already applied, skipping")
			return nil
		}

		lastErr = err
		transient := KindOf(fromStore("", err)) == KindDownstreamFailure
		if !transient || attempt == attempts || ctx.Err() != nil {
			s.metrics.ObserveSagaStep(string(step), outcomeLabel(err), elapsed)
			break
		}
		s.metrics.ObserveSagaStep(string(step), "retry", elapsed)
		log.WithError(err).WithField("attempt", attempt).Warn("Saga step failed, retrying")
	}

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.StepTimeout)
	defer cancel()
	if err := s.ledger.RecordStepFailure(recordCtx, bookingID, step, lastErr.Error()); err != nil {
		log.WithError(err).Error("Failed to record saga step failure")
	}

	log.WithError(lastErr).Warn("Saga step failed")
	return fromStore("settlement."+string(step), lastErr).withBooking(bookingID)
}

func outcomeLabel(err error) string {
	switch KindOf(fromStore("", err)) {
	case KindInsufficientBalance:
		return "insufficient_balance"
	case KindDownstreamFailure:
		return "failed"
	}
	return "rejected"
}
