package notify

import (
	"context"
	"time"
)

// EventKind names the template a booking event is rendered with
type EventKind string

const (
	KindBookingConfirmed    EventKind = "booking_confirmed"
	KindAmendmentProposed   EventKind = "amendment_proposed"
	KindAmendmentApplied    EventKind = "amendment_applied"
	KindAmendmentRejected   EventKind = "amendment_rejected"
	KindBookingCancelled    EventKind = "booking_cancelled"
	KindPickupConfirmed     EventKind = "pickup_confirmed"
	KindBookingCompleted    EventKind = "booking_completed"
	KindBookingNotCompleted EventKind = "booking_not_completed"
)

// Event is the payload delivered for one booking notification
type Event struct {
	Kind      EventKind              `json:"kind"`
	Recipient string                 `json:"recipient"`
	Data      map[string]interface{} `json:"data"`
	SentAt    time.Time              `json:"sent_at"`
}

// Sender delivers booking events. Delivery is best effort; callers log
// failures and carry on.
type Sender interface {
	SendBookingEvent(ctx context.Context, recipientEmail string, kind EventKind, data map[string]interface{}) error
}
