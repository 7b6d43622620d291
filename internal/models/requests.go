package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================================
// REQUEST DTOs
// ============================================================================

// CreateBookingRequest reserves a seat on a journey
type CreateBookingRequest struct {
	JourneyID string    `json:"journey_id" binding:"required,uuid"`
	RideTime  time.Time `json:"ride_time" binding:"required"`

	// For recurring journeys: how far into the recurrence to reserve
	WindowEnd *time.Time `json:"window_end,omitempty"`
}

// ProposeAmendmentRequest proposes new terms or a cancellation
type ProposeAmendmentRequest struct {
	NewPrice       *decimal.Decimal `json:"new_price,omitempty"`
	NewStartTime   *time.Time       `json:"new_start_time,omitempty"`
	NewRoute       *Route           `json:"new_route,omitempty"`
	NewRecurrence  *string          `json:"new_recurrence,omitempty"`
	IsCancellation bool             `json:"is_cancellation"`
}

// Change converts the request into the closed amendment change type
func (r *ProposeAmendmentRequest) Change() AmendmentChange {
	return AmendmentChange{
		Price:      r.NewPrice,
		StartTime:  r.NewStartTime,
		Route:      r.NewRoute,
		Recurrence: r.NewRecurrence,
	}
}

// ApproveAmendmentRequest records the caller's approval or rejection
type ApproveAmendmentRequest struct {
	Approve *bool `json:"approve" binding:"required"`
}

// ConfirmPickupRequest confirms the driver picked the passenger up
type ConfirmPickupRequest struct {
	// Defaults to now when omitted
	OccurrenceTime *time.Time `json:"occurrence_time,omitempty"`
}

// CompleteBookingRequest reports whether the ride happened
type CompleteBookingRequest struct {
	Completed *bool `json:"completed" binding:"required"`
}

// TopUpRequest credits a user's spendable balance
type TopUpRequest struct {
	Amount   decimal.Decimal `json:"amount" binding:"required"`
	Currency string          `json:"currency"`
}

// ============================================================================
// RESPONSE DTOs
// ============================================================================

// ProposeAmendmentResponse is returned after an amendment is created
type ProposeAmendmentResponse struct {
	AmendmentID string `json:"amendment_id"`
}

// ApproveAmendmentResponse reports the consensus outcome
type ApproveAmendmentResponse struct {
	Outcome ApprovalOutcome `json:"outcome"`
	Message string          `json:"message"`
}

// BookingStatusResponse is returned by lifecycle transitions
type BookingStatusResponse struct {
	BookingID string        `json:"booking_id"`
	Status    BookingStatus `json:"status"`
}

// BookingDetails is the booking read model
type BookingDetails struct {
	Booking    *Booking      `json:"booking"`
	Journey    *Journey      `json:"journey"`
	Effective  EffectiveView `json:"effective"`
	Amendments []Amendment   `json:"amendments"`
}
