package services

import (
	"sort"

	"github.com/smarttransit/rideshare-booking/internal/models"
)

// Resolve folds a booking's approved amendments, oldest first, over the
// journey's base terms. Each non-nil field of an approved amendment replaces
// the running value; nil fields leave it alone. Unapproved amendments are
// ignored. Resolve does not modify its inputs.
func Resolve(journey *models.Journey, booking *models.Booking, amendments []models.Amendment) models.EffectiveView {
	view := models.EffectiveView{
		Price:         journey.Price,
		Currency:      journey.Currency,
		StartTime:     booking.RideTime,
		StartLocation: journey.Route.Start,
		EndLocation:   journey.Route.End,
		Recurrence:    journey.RecurrenceRule,
	}

	approved := make([]models.Amendment, 0, len(amendments))
	for _, a := range amendments {
		if a.IsApproved() {
			approved = append(approved, a)
		}
	}
	sort.SliceStable(approved, func(i, j int) bool {
		return approved[i].CreatedAt.Before(approved[j].CreatedAt)
	})

	for _, a := range approved {
		change := a.Change
		if change.Price != nil {
			view.Price = *change.Price
		}
		if change.StartTime != nil {
			view.StartTime = *change.StartTime
		}
		if change.Route != nil {
			view.StartLocation = change.Route.Start
			view.EndLocation = change.Route.End
		}
		if change.Recurrence != nil {
			rule := *change.Recurrence
			view.Recurrence = &rule
		}
	}
	return view
}
