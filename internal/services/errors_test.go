package services

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/smarttransit/rideshare-booking/internal/database"
	"github.com/smarttransit/rideshare-booking/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestBookingError_IsMatchesKind(t *testing.T) {
	err := newError(KindInvalidState, "booking.approve", "booking is not pending")

	assert.ErrorIs(t, err, ErrInvalidState)
	assert.NotErrorIs(t, err, ErrNotFound)

	wrapped := fmt.Errorf("handler: %w", err)
	assert.ErrorIs(t, wrapped, ErrInvalidState)
	assert.Equal(t, KindInvalidState, KindOf(wrapped))
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
}

func TestBookingError_Context(t *testing.T) {
	bookingID := uuid.New()
	amendmentID := uuid.New()

	err := newError(KindDownstreamFailure, "booking.complete", "settlement failed").
		withBooking(bookingID).
		withAmendment(amendmentID).
		withTransition(models.BookingStatusConfirmed, models.BookingStatusCompleted).
		wrap(errLedgerUnavailable)

	msg := err.Error()
	assert.Contains(t, msg, "booking.complete")
	assert.Contains(t, msg, bookingID.String())
	assert.Contains(t, msg, amendmentID.String())
	assert.Contains(t, msg, "confirmed->completed")
	assert.ErrorIs(t, err, errLedgerUnavailable)
}

func TestFromStore(t *testing.T) {
	tests := []struct {
		err  error
		kind ErrorKind
	}{
		{database.ErrNotFound, KindNotFound},
		{database.ErrStatusConflict, KindInvalidState},
		{database.ErrOutstandingAmendments, KindInvalidState},
		{database.ErrInsufficientFunds, KindInsufficientBalance},
		{fmt.Errorf("query: %w", database.ErrNotFound), KindNotFound},
		{errors.New("connection reset"), KindDownstreamFailure},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.kind, KindOf(fromStore("op", tt.err)))
		})
	}
}

func TestFromStore_CopiesBookingErrors(t *testing.T) {
	original := newError(KindValidation, "", "bad rule")

	got := fromStore("amendment.propose", original).withBooking(uuid.New())

	assert.Equal(t, "amendment.propose", got.Op)
	assert.Equal(t, uuid.Nil, original.BookingID)
	assert.Empty(t, original.Op)
	assert.Nil(t, ErrNotFound.Err)
}
