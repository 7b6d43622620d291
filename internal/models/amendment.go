package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AmendmentChange is the set of terms an amendment proposes to replace.
// A nil field means "no change to this field".
type AmendmentChange struct {
	Price      *decimal.Decimal `json:"new_price,omitempty"`
	StartTime  *time.Time       `json:"new_start_time,omitempty"`
	Route      *Route           `json:"new_route,omitempty"`
	Recurrence *string          `json:"new_recurrence,omitempty"`
}

// IsEmpty reports whether the change touches no field
func (c AmendmentChange) IsEmpty() bool {
	return c.Price == nil && c.StartTime == nil && c.Route == nil && c.Recurrence == nil
}

// Amendment is a proposed change to a booking's terms, or a cancellation
type Amendment struct {
	ID             uuid.UUID       `json:"id" db:"id"`
	BookingID      uuid.UUID       `json:"booking_id" db:"booking_id"`
	ProposerID     uuid.UUID       `json:"proposer_id" db:"proposer_id"`
	Change         AmendmentChange `json:"change"`
	IsCancellation bool            `json:"is_cancellation" db:"is_cancellation"`

	DriverApproval    bool `json:"driver_approval" db:"driver_approval"`
	PassengerApproval bool `json:"passenger_approval" db:"passenger_approval"`

	AppliedAt  *time.Time `json:"applied_at,omitempty" db:"applied_at"`
	RejectedAt *time.Time `json:"rejected_at,omitempty" db:"rejected_at"`
	RejectedBy *uuid.UUID `json:"rejected_by,omitempty" db:"rejected_by"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsApproved reports whether both parties have approved
func (a *Amendment) IsApproved() bool {
	return a.DriverApproval && a.PassengerApproval
}

// IsOutstanding reports whether the amendment is still waiting on a decision
func (a *Amendment) IsOutstanding() bool {
	return a.AppliedAt == nil && a.RejectedAt == nil
}

// SetApproval records the caller's bit for the given role
func (a *Amendment) SetApproval(role PartyRole, approve bool) {
	switch role {
	case PartyDriver:
		a.DriverApproval = approve
	case PartyPassenger:
		a.PassengerApproval = approve
	}
}

// ApprovalOutcome is reported back to the caller of ApproveAmendment
type ApprovalOutcome string

const (
	OutcomeFullyApproved     ApprovalOutcome = "fully-approved"
	OutcomePartiallyApproved ApprovalOutcome = "partially-approved"
	OutcomeRejected          ApprovalOutcome = "rejected"
)
