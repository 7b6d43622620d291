package models

import (
	"time"

	"github.com/google/uuid"
)

// BookingAuditAction names what happened to a booking
type BookingAuditAction string

const (
	AuditBookingCreated     BookingAuditAction = "booking_created"
	AuditHoldFailed         BookingAuditAction = "hold_failed"
	AuditBookingApproved    BookingAuditAction = "booking_approved"
	AuditAmendmentProposed  BookingAuditAction = "amendment_proposed"
	AuditAmendmentApproval  BookingAuditAction = "amendment_approval"
	AuditAmendmentApplied   BookingAuditAction = "amendment_applied"
	AuditAmendmentRejected  BookingAuditAction = "amendment_rejected"
	AuditPickupConfirmed    BookingAuditAction = "pickup_confirmed"
	AuditBookingCompleted   BookingAuditAction = "booking_completed"
	AuditBookingCompensated BookingAuditAction = "booking_compensated"
	AuditRefundFailed       BookingAuditAction = "refund_failed"
)

// BookingAuditEvent is an immutable record of one transition or approval
type BookingAuditEvent struct {
	ID          uuid.UUID          `json:"id" db:"id"`
	BookingID   uuid.UUID          `json:"booking_id" db:"booking_id"`
	AmendmentID *uuid.UUID         `json:"amendment_id,omitempty" db:"amendment_id"`
	ActorID     *uuid.UUID         `json:"actor_id,omitempty" db:"actor_id"`
	Action      BookingAuditAction `json:"action" db:"action"`
	FromStatus  *BookingStatus     `json:"from_status,omitempty" db:"from_status"`
	ToStatus    *BookingStatus     `json:"to_status,omitempty" db:"to_status"`
	Detail      *string            `json:"detail,omitempty" db:"detail"`

	// Request metadata
	IPAddress  *string `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent  *string `json:"user_agent,omitempty" db:"user_agent"`
	DeviceInfo JSONB   `json:"device_info,omitempty" db:"device_info"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// NewBookingAuditEvent creates a new audit event with required fields
func NewBookingAuditEvent(bookingID uuid.UUID, action BookingAuditAction) *BookingAuditEvent {
	return &BookingAuditEvent{
		ID:        uuid.New(),
		BookingID: bookingID,
		Action:    action,
		CreatedAt: time.Now(),
	}
}

// SetAmendment sets the amendment the event refers to
func (e *BookingAuditEvent) SetAmendment(amendmentID uuid.UUID) *BookingAuditEvent {
	e.AmendmentID = &amendmentID
	return e
}

// SetActor sets the user who triggered the event
func (e *BookingAuditEvent) SetActor(actorID uuid.UUID) *BookingAuditEvent {
	e.ActorID = &actorID
	return e
}

// SetTransition records the status change, if any
func (e *BookingAuditEvent) SetTransition(from, to BookingStatus) *BookingAuditEvent {
	e.FromStatus = &from
	e.ToStatus = &to
	return e
}

// SetDetail attaches a free-form note (error text, outcome)
func (e *BookingAuditEvent) SetDetail(detail string) *BookingAuditEvent {
	if detail != "" {
		e.Detail = &detail
	}
	return e
}

// SetMetadata sets request metadata
func (e *BookingAuditEvent) SetMetadata(ip, userAgent string, deviceInfo map[string]interface{}) *BookingAuditEvent {
	if ip != "" {
		e.IPAddress = &ip
	}
	if userAgent != "" {
		e.UserAgent = &userAgent
	}
	if deviceInfo != nil {
		e.DeviceInfo = JSONB(deviceInfo)
	}
	return e
}
