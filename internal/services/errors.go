package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/smarttransit/rideshare-booking/internal/database"
	"github.com/smarttransit/rideshare-booking/internal/models"
)

// ErrorKind classifies booking failures for callers
type ErrorKind string

const (
	KindNotFound            ErrorKind = "NOT_FOUND"
	KindUnauthorized        ErrorKind = "UNAUTHORIZED"
	KindInvalidState        ErrorKind = "INVALID_STATE"
	KindValidation          ErrorKind = "VALIDATION_ERROR"
	KindInsufficientBalance ErrorKind = "INSUFFICIENT_BALANCE"
	KindDownstreamFailure   ErrorKind = "DOWNSTREAM_FAILURE"
)

// Sentinels for errors.Is. Any *BookingError of the same kind matches.
var (
	ErrNotFound            = &BookingError{Kind: KindNotFound}
	ErrUnauthorized        = &BookingError{Kind: KindUnauthorized}
	ErrInvalidState        = &BookingError{Kind: KindInvalidState}
	ErrValidation          = &BookingError{Kind: KindValidation}
	ErrInsufficientBalance = &BookingError{Kind: KindInsufficientBalance}
	ErrDownstreamFailure   = &BookingError{Kind: KindDownstreamFailure}
)

// BookingError carries enough context to reconstruct a failure without log
// correlation
type BookingError struct {
	Kind        ErrorKind
	Op          string
	BookingID   uuid.UUID
	AmendmentID uuid.UUID
	Transition  string // e.g. "confirmed->completed"
	Message     string
	Err         error
}

func (e *BookingError) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.BookingID != uuid.Nil {
		fmt.Fprintf(&b, " booking=%s", e.BookingID)
	}
	if e.AmendmentID != uuid.Nil {
		fmt.Fprintf(&b, " amendment=%s", e.AmendmentID)
	}
	if e.Transition != "" {
		fmt.Fprintf(&b, " transition=%s", e.Transition)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *BookingError) Unwrap() error { return e.Err }

// Is matches any BookingError of the same kind
func (e *BookingError) Is(target error) bool {
	t, ok := target.(*BookingError)
	return ok && t.Kind == e.Kind
}

// KindOf returns the kind of a booking error, or "" for anything else
func KindOf(err error) ErrorKind {
	var be *BookingError
	if errors.As(err, &be) {
		return be.Kind
	}
	return ""
}

func newError(kind ErrorKind, op, message string) *BookingError {
	return &BookingError{Kind: kind, Op: op, Message: message}
}

func (e *BookingError) withBooking(id uuid.UUID) *BookingError {
	e.BookingID = id
	return e
}

func (e *BookingError) withAmendment(id uuid.UUID) *BookingError {
	e.AmendmentID = id
	return e
}

func (e *BookingError) withTransition(from, to models.BookingStatus) *BookingError {
	e.Transition = string(from) + "->" + string(to)
	return e
}

func (e *BookingError) wrap(err error) *BookingError {
	e.Err = err
	return e
}

// fromStore translates repository sentinels into the booking taxonomy.
// Unrecognized errors are downstream failures.
func fromStore(op string, err error) *BookingError {
	var be *BookingError
	if errors.As(err, &be) {
		cp := *be
		if cp.Op == "" {
			cp.Op = op
		}
		return &cp
	}
	switch {
	case errors.Is(err, database.ErrNotFound):
		return newError(KindNotFound, op, "record not found").wrap(err)
	case errors.Is(err, database.ErrStatusConflict), errors.Is(err, database.ErrOutstandingAmendments):
		return newError(KindInvalidState, op, "transition not allowed from current status").wrap(err)
	case errors.Is(err, database.ErrInsufficientFunds):
		return newError(KindInsufficientBalance, op, "insufficient balance").wrap(err)
	}
	return newError(KindDownstreamFailure, op, "store call failed").wrap(err)
}

// AsBookingError extracts the booking error in err's chain
func AsBookingError(err error) (*BookingError, bool) {
	var be *BookingError
	ok := errors.As(err, &be)
	return be, ok
}
