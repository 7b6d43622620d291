package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BookingStatus represents the lifecycle status of a booking
type BookingStatus string

const (
	BookingStatusPrePending        BookingStatus = "pre_pending"        // Row created, financial hold not yet taken
	BookingStatusPending           BookingStatus = "pending"            // Hold taken, waiting on driver approval
	BookingStatusConfirmed         BookingStatus = "confirmed"          // Driver approved or amendment applied
	BookingStatusCancelled         BookingStatus = "cancelled"          // Cancellation amendment applied
	BookingStatusPendingCompletion BookingStatus = "pending_completion" // Last occurrence picked up
	BookingStatusCompleted         BookingStatus = "completed"          // Passenger confirmed, settled
	BookingStatusNotCompleted      BookingStatus = "not_completed"      // Ride did not happen or settlement failed
)

// IsTerminal reports whether no further transitions are possible
func (s BookingStatus) IsTerminal() bool {
	switch s {
	case BookingStatusCancelled, BookingStatusCompleted, BookingStatusNotCompleted:
		return true
	}
	return false
}

// In reports whether s is one of the given statuses
func (s BookingStatus) In(statuses ...BookingStatus) bool {
	for _, candidate := range statuses {
		if s == candidate {
			return true
		}
	}
	return false
}

// Booking is a passenger's reservation against a journey
type Booking struct {
	ID          uuid.UUID     `json:"id" db:"id"`
	PassengerID uuid.UUID     `json:"passenger_id" db:"passenger_id"`
	JourneyID   uuid.UUID     `json:"journey_id" db:"journey_id"`
	Status      BookingStatus `json:"status" db:"status"`

	// FeeMargin is the platform fee fraction frozen when the booking is created
	FeeMargin decimal.Decimal `json:"fee_margin" db:"fee_margin"`

	RideTime        time.Time  `json:"ride_time" db:"ride_time"`
	BookedWindowEnd *time.Time `json:"booked_window_end,omitempty" db:"booked_window_end"`
	DriverApproved  bool       `json:"driver_approved" db:"driver_approved"`
	CancelledAt     *time.Time `json:"cancelled_at,omitempty" db:"cancelled_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// PartyRole identifies which side of a booking a caller is on
type PartyRole string

const (
	PartyDriver    PartyRole = "driver"
	PartyPassenger PartyRole = "passenger"
)

// RoleOf returns the caller's role on the booking, if any
func (b *Booking) RoleOf(userID uuid.UUID, journey *Journey) (PartyRole, bool) {
	switch userID {
	case journey.DriverID:
		return PartyDriver, true
	case b.PassengerID:
		return PartyPassenger, true
	}
	return "", false
}

// EffectiveView is the authoritative set of booking terms after folding
// approved amendments over the journey's base terms. It is never persisted.
type EffectiveView struct {
	Price         decimal.Decimal `json:"price"`
	Currency      string          `json:"currency"`
	StartTime     time.Time       `json:"start_time"`
	StartLocation Location        `json:"start_location"`
	EndLocation   Location        `json:"end_location"`
	Recurrence    *string         `json:"recurrence,omitempty"`
}

// IsRecurring reports whether the effective terms are scheduled by a rule
func (v EffectiveView) IsRecurring() bool {
	return v.Recurrence != nil && *v.Recurrence != ""
}
